package config

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Ports used by the homeserver inside Docker.
const (
	// GuestPort is the HTTP port inside the container. In single
	// process mode synapse listens on it; in worker mode it is the
	// nginx load-balancer port.
	GuestPort = 8008

	// WorkerMainHTTPPort is the main process HTTP port in worker mode.
	WorkerMainHTTPPort = 8080

	// ReplicationPort is the loopback-only replication listener port
	// in worker mode.
	ReplicationPort = 9093
)

// SentinelSynapseDefault opts a rate-limit category out of the large
// default: the key is removed so synapse falls back to its built-in
// default.
const SentinelSynapseDefault = "synapse-default"

// GuestHTTPPort is the port the main process listens on in the guest
// for the configured deployment shape.
func (c *Config) GuestHTTPPort() int {
	if c.Workers.Enabled {
		return WorkerMainHTTPPort
	}
	return GuestPort
}

func largeRateLimit() map[string]any {
	return map[string]any{
		"per_second":  1_000_000_000,
		"burst_count": 1_000_000_000,
	}
}

// rateLimitDefaults are the six rate-limit categories given a very
// large default so tests are never throttled. A category is only
// inserted when the user did not declare it.
func rateLimitDefaults() []struct {
	key   string
	value any
} {
	return []struct {
		key   string
		value any
	}{
		{"rc_message", largeRateLimit()},
		{"rc_registration", largeRateLimit()},
		{"rc_admin_redaction", largeRateLimit()},
		{"rc_joins", map[string]any{
			"local":  largeRateLimit(),
			"remote": largeRateLimit(),
		}},
		{"rc_login", map[string]any{
			"address":         largeRateLimit(),
			"account":         largeRateLimit(),
			"failed_attempts": largeRateLimit(),
		}},
		{"rc_invites", map[string]any{
			"per_room":   largeRateLimit(),
			"per_user":   largeRateLimit(),
			"per_sender": largeRateLimit(),
		}},
	}
}

// PatchHomeserverYAML merges this configuration into the
// homeserver.yaml generated by the setup container and, in worker
// mode, mirrors the worker-safe subset into the shared worker
// configuration. Both rewrites are fatal on malformed input; nothing
// is partially written.
func (c *Config) PatchHomeserverYAML() error {
	path := c.HomeserverYAMLPath()
	log.Debug("patching generated homeserver config", "path", path)

	doc, err := readYAMLMapping(path)
	if err != nil {
		return fmt.Errorf("homeserver.yaml generated by synapse: %w", err)
	}
	if err := c.patchHomeserverMapping(doc); err != nil {
		return err
	}
	if err := writeYAMLMapping(path, doc); err != nil {
		return fmt.Errorf("could not write combined homeserver config: %w", err)
	}

	if c.Workers.Enabled {
		return c.patchWorkersSharedYAML()
	}
	return nil
}

// patchHomeserverMapping applies the merge steps of the patcher, in
// order, to an in-memory homeserver configuration.
func (c *Config) patchHomeserverMapping(doc map[string]any) error {
	// Identity fields always win over the generated ones.
	doc["public_baseurl"] = c.Homeserver.PublicBaseURL
	doc["server_name"] = c.Homeserver.ServerName
	doc["registration_shared_secret"] = c.Homeserver.RegistrationSharedSecret
	doc["enable_registration_without_verification"] = true

	// User-declared extra fields override anything generated,
	// including `listeners` or `modules`.
	for key, value := range c.Homeserver.Extra {
		doc[key] = value
	}

	for _, rc := range rateLimitDefaults() {
		existing, declared := doc[rc.key]
		switch {
		case !declared:
			doc[rc.key] = rc.value
		case existing == SentinelSynapseDefault:
			// The user asked for synapse's own built-in default.
			delete(doc, rc.key)
		default:
			// The user declared the category; leave it alone.
		}
	}

	if err := c.setListeners(doc); err != nil {
		return err
	}
	if err := appendModules(doc, "homeserver.yaml", c.Modules); err != nil {
		return err
	}

	if c.Workers.Enabled {
		for key, value := range workerModeOverrides() {
			doc[key] = value
		}
	}
	return nil
}

// setListeners replaces the generated listener list with the canonical
// one bound to the fixed guest port. The generate step has a tendency
// to emit an unrelated port here.
func (c *Config) setListeners(doc map[string]any) error {
	if existing, ok := doc["listeners"]; ok && existing != nil {
		if _, isSeq := existing.([]any); !isSeq {
			return fmt.Errorf("in homeserver.yaml, expected a sequence for key `listeners`")
		}
	}
	listeners := []any{
		map[string]any{
			"port":           c.GuestHTTPPort(),
			"tls":            false,
			"type":           "http",
			"bind_addresses": []any{"::"},
			"x_forwarded":    false,
			"resources": []any{
				map[string]any{"names": []any{"client"}, "compress": true},
				map[string]any{"names": []any{"federation"}, "compress": false},
			},
		},
	}
	if c.Workers.Enabled {
		listeners = append(listeners, map[string]any{
			"port":         ReplicationPort,
			"bind_address": "127.0.0.1",
			"type":         "http",
			"resources": []any{
				map[string]any{"names": []any{"replication"}},
			},
		})
	}
	doc["listeners"] = listeners
	return nil
}

// appendModules appends the declared module fragments onto whatever
// `modules` sequence already exists, treating a missing or null key as
// empty.
func appendModules(doc map[string]any, what string, modules []ModuleConfig) error {
	var seq []any
	switch existing := doc["modules"].(type) {
	case nil:
		seq = []any{}
	case []any:
		seq = existing
	default:
		return fmt.Errorf("in %s, expected a sequence for key `modules`", what)
	}
	for i := range modules {
		seq = append(seq, modules[i].Config)
	}
	doc["modules"] = seq
	return nil
}

// workerModeOverrides is the configuration forced onto the main
// process in worker mode: redis and postgres for cross-process
// coordination, and a few features handed over to workers.
func workerModeOverrides() map[string]any {
	return map[string]any{
		"redis":    map[string]any{"enabled": true},
		"database": workerDatabase(),
		// Deactivate features in the main process; workers take over.
		"notify_appservices":    false,
		"send_federation":       false,
		"update_user_directory": false,
		"start_pushers":         false,
		"url_preview_enabled":   false,
		"url_preview_ip_range_blacklist": []any{"255.255.255.255/32"},
		// Silence a warning that pollutes logs.
		"suppress_key_server_warning": true,
	}
}

func workerDatabase() map[string]any {
	return map[string]any{
		"name":      "psycopg2",
		"txn_limit": 10_000,
		"args": map[string]any{
			"user":     "synapse",
			"password": "password",
			"host":     "localhost",
			"port":     5432,
			"cp_min":   5,
			"cp_max":   10,
		},
	}
}

// patchWorkersSharedYAML mirrors the module list and the worker-safe
// overrides into the shared worker configuration. No replication
// listener here: workers connect to the main process's.
func (c *Config) patchWorkersSharedYAML() error {
	path := c.WorkersSharedYAMLPath()
	doc, err := readYAMLMapping(path)
	if err != nil {
		return fmt.Errorf("workers shared config: %w", err)
	}
	if err := c.patchWorkersSharedMapping(doc); err != nil {
		return err
	}
	if err := writeYAMLMapping(path, doc); err != nil {
		return fmt.Errorf("could not write workers shared config: %w", err)
	}
	return nil
}

func (c *Config) patchWorkersSharedMapping(doc map[string]any) error {
	if err := appendModules(doc, "shared.yaml", c.Modules); err != nil {
		return err
	}
	doc["url_preview_enabled"] = false
	doc["url_preview_ip_range_blacklist"] = []any{"255.255.255.255/32"}
	doc["database"] = workerDatabase()
	return nil
}

func readYAMLMapping(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("not a valid YAML mapping: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func writeYAMLMapping(path string, doc map[string]any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
