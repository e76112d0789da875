package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Script is an ordered sequence of shell command lines. Each line runs
// in its own subprocess with a shared environment map; the first
// failing line aborts the rest.
type Script struct {
	Lines []string
}

// UnmarshalYAML accepts a plain sequence of strings.
func (s *Script) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: a script must be a sequence of shell command lines", node.Line)
	}
	return node.Decode(&s.Lines)
}

// MarshalYAML renders the script back as a sequence of lines.
func (s Script) MarshalYAML() (any, error) {
	return s.Lines, nil
}

// IsEmpty reports whether the script has no lines to run.
func (s *Script) IsEmpty() bool {
	return s == nil || len(s.Lines) == 0
}

// UpScript is the hook pair around the Up phase. In YAML it is either a
// plain sequence (run before the containers come up) or a mapping with
// `before` and/or `after` scripts.
type UpScript struct {
	Before *Script `yaml:"before"`
	After  *Script `yaml:"after"`
}

// UnmarshalYAML accepts both the simple and the full form.
func (u *UpScript) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var s Script
		if err := node.Decode(&s); err != nil {
			return err
		}
		u.Before = &s
		return nil
	case yaml.MappingNode:
		type fullUpScript UpScript
		var full fullUpScript
		if err := node.Decode(&full); err != nil {
			return err
		}
		*u = UpScript(full)
		return nil
	default:
		return fmt.Errorf("line %d: `up` must be a script or a before/after mapping", node.Line)
	}
}

// DownScript selects a teardown branch from the Run outcome. The
// matching branch runs first, then `finally` runs unconditionally.
type DownScript struct {
	Success *Script `yaml:"success"`
	Failure *Script `yaml:"failure"`
	Finally *Script `yaml:"finally"`
}

// ModuleConfig declares one synapse extension to build into the image.
// Built once per Build phase and immutable thereafter.
type ModuleConfig struct {
	// Name of the module; also the name of its subdirectory in the
	// build context.
	Name string `yaml:"name"`

	// Build script, executed on the host with MX_TEST_MODULE_DIR set
	// to the directory the module should be copied to.
	Build Script `yaml:"build"`

	// Install script, executed in the guest while the image is built.
	Install *Script `yaml:"install"`

	// Env is additional environment to set in the guest.
	Env map[string]string `yaml:"env"`

	// Copy maps guest paths (relative to the module directory) to
	// host paths copied into the image.
	Copy map[string]string `yaml:"copy"`

	// Config is the YAML fragment spliced into the server's module
	// list, typically {module: ..., config: {...}}.
	Config any `yaml:"config"`
}
