// Package config holds the declarative description of one test run
// (mx-tester.yml) and the resource names derived from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSynapseImage is the image used when none is configured.
const DefaultSynapseImage = "matrixdotorg/synapse:latest"

// Environment variables injected into every user script. They form the
// contract between mxtester and the build/up/run/down scripts.
const (
	EnvModuleDir          = "MX_TEST_MODULE_DIR"
	EnvSynapseDir         = "MX_TEST_SYNAPSE_DIR"
	EnvScriptTmpDir       = "MX_TEST_SCRIPT_TMPDIR"
	EnvCWD                = "MX_TEST_CWD"
	EnvWorkersEnabled     = "MX_TEST_WORKERS_ENABLED"
	EnvNetworkName        = "MX_TEST_NETWORK_NAME"
	EnvSetupContainerName = "MX_TEST_SETUP_CONTAINER_NAME"
	EnvUpRunDownContainer = "MX_TEST_UP_RUN_DOWN_CONTAINER_NAME"
)

// PortMapping exposes a guest port on the host.
type PortMapping struct {
	Host  uint16 `yaml:"host"`
	Guest uint16 `yaml:"guest"`
}

// DockerConfig is the Docker-specific part of the test configuration.
type DockerConfig struct {
	// Hostname given to the synapse container on the test network.
	Hostname string `yaml:"hostname"`

	// Extra host<->guest port mappings, on top of the automatic
	// guest HTTP port -> homeserver.host_port mapping.
	PortMapping []PortMapping `yaml:"port_mapping"`
}

// HomeserverConfig carries the values patched into the homeserver.yaml
// generated by synapse. Unknown keys are collected into Extra and
// copied verbatim, so a user can replace any generated key.
type HomeserverConfig struct {
	HostPort                 uint16 `yaml:"host_port"`
	ServerName               string `yaml:"server_name"`
	PublicBaseURL            string `yaml:"public_baseurl"`
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`

	// RegistrationTimeout bounds the user-provisioning wait during Up.
	// Zero means "use the mode default" (120s single-process, 30m with
	// workers); negative means wait forever.
	RegistrationTimeout time.Duration `yaml:"registration_timeout"`

	Extra map[string]any `yaml:",inline"`
}

// SetHostPort sets the port and re-derives the identity fields from it.
func (h *HomeserverConfig) SetHostPort(port uint16) {
	h.HostPort = port
	h.ServerName = fmt.Sprintf("localhost:%d", port)
	h.PublicBaseURL = fmt.Sprintf("http://localhost:%d", port)
}

// WorkersConfig selects the deployment shape.
type WorkersConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Credentials authenticate against a Docker registry when pulling the
// base image during build. All fields optional.
type Credentials struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	ServerAddress string `yaml:"serveraddress"`
}

// Directories configures where all test files live.
type Directories struct {
	// Root of the per-test directory tree. Defaults to
	// <tmp>/mx-tester.
	Root string `yaml:"root"`
}

// User is a login identity provisioned during Up.
type User struct {
	Admin     bool   `yaml:"admin"`
	Localname string `yaml:"localname"`
	Password  string `yaml:"password"`
}

// SynapseVersion selects the server image. Only published Docker
// images are supported for now.
type SynapseVersion struct {
	Docker DockerImage `yaml:"docker"`
}

// DockerImage is a published image reference.
type DockerImage struct {
	Tag string `yaml:"tag"`
}

// Config is the full declarative description of one test run, usually
// loaded from mx-tester.yml. It is read-only once CLI overrides have
// been applied.
type Config struct {
	// Name seeds every derived resource name (image tag, network,
	// container names), so it must be unique per concurrently-running
	// test.
	Name string `yaml:"name"`

	Modules     []ModuleConfig   `yaml:"modules"`
	Homeserver  HomeserverConfig `yaml:"homeserver"`
	Up          *UpScript        `yaml:"up"`
	Run         *Script          `yaml:"run"`
	Down        *DownScript      `yaml:"down"`
	Docker      DockerConfig     `yaml:"docker"`
	Users       []User           `yaml:"users"`
	Synapse     SynapseVersion   `yaml:"synapse"`
	Credentials Credentials      `yaml:"credentials"`
	Directories Directories      `yaml:"directories"`
	Workers     WorkersConfig    `yaml:"workers"`

	// AutocleanOnError arms a cleanup guard around the phases that
	// create Docker resources. Defaults to true.
	AutocleanOnError bool `yaml:"autoclean_on_error"`
}

// Default returns a Config with every field at its documented default.
// An empty declaration on top of it yields a runnable single-process
// environment.
func Default() *Config {
	return &Config{
		Homeserver: HomeserverConfig{
			HostPort:                 9999,
			ServerName:               "localhost:9999",
			PublicBaseURL:            "http://localhost:9999",
			RegistrationSharedSecret: "MX_TESTER_REGISTRATION_DEFAULT",
		},
		Docker: DockerConfig{
			Hostname: "synapse",
		},
		Synapse: SynapseVersion{
			Docker: DockerImage{Tag: DefaultSynapseImage},
		},
		Directories: Directories{
			Root: filepath.Join(os.TempDir(), "mx-tester"),
		},
		AutocleanOnError: true,
	}
}

// Load reads a Config from a YAML file, applying defaults for anything
// the file leaves out.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not open config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a Config from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("config is missing a test name")
	}
	for i := range c.Modules {
		if strings.TrimSpace(c.Modules[i].Name) == "" {
			return fmt.Errorf("module %d is missing a name", i)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Synapse.Docker.Tag == "" {
		c.Synapse.Docker.Tag = DefaultSynapseImage
	}
	if c.Docker.Hostname == "" {
		c.Docker.Hostname = "synapse"
	}
	if c.Directories.Root == "" {
		c.Directories.Root = filepath.Join(os.TempDir(), "mx-tester")
	}
	for i := range c.Users {
		if c.Users[i].Password == "" {
			c.Users[i].Password = "password"
		}
	}
}

// workersSuffix distinguishes worker-mode resources from single-process
// ones so both shapes of the same test can coexist.
func (c *Config) workersSuffix() string {
	if c.Workers.Enabled {
		return "-workers"
	}
	return ""
}

// sanitizeRef makes an image reference usable inside a resource name.
func sanitizeRef(ref string) string {
	r := strings.NewReplacer("/", "-", ":", "-", "@", "-")
	return strings.ToLower(r.Replace(ref))
}

// Tag is the tag of the Docker image built for this test.
func (c *Config) Tag() string {
	return fmt.Sprintf("mx-tester-synapse-%s-%s%s",
		sanitizeRef(c.Synapse.Docker.Tag), c.Name, c.workersSuffix())
}

// Network is the name of the Docker network for this test.
func (c *Config) Network() string {
	return "net-" + c.Tag()
}

// SetupContainerName names the short-lived container used to generate
// the default homeserver configuration.
func (c *Config) SetupContainerName() string {
	return fmt.Sprintf("mx-tester-synapse-setup-%s%s", c.Name, c.workersSuffix())
}

// RunContainerName names the long-lived container under test.
func (c *Config) RunContainerName() string {
	return fmt.Sprintf("mx-tester-synapse-run-%s%s", c.Name, c.workersSuffix())
}

// TestRoot is the directory holding all data for this test.
func (c *Config) TestRoot() string {
	return filepath.Join(c.Directories.Root, c.Name)
}

// SynapseRoot holds everything related to synapse for this test; it is
// also the Docker build context.
func (c *Config) SynapseRoot() string {
	return filepath.Join(c.TestRoot(), "synapse")
}

// SynapseDataDir is mounted at /data in the guest.
func (c *Config) SynapseDataDir() string {
	return filepath.Join(c.SynapseRoot(), "data")
}

// SynapseWorkersDir holds worker configuration, mounted at /conf/workers.
func (c *Config) SynapseWorkersDir() string {
	return filepath.Join(c.SynapseRoot(), "workers")
}

// EtcDir holds files bound into subdirectories of /etc in the guest.
func (c *Config) EtcDir() string {
	return filepath.Join(c.TestRoot(), "etc")
}

// LogsDir is where all logs for this test are published.
func (c *Config) LogsDir() string {
	return filepath.Join(c.TestRoot(), "logs")
}

// ScriptLogsDir is where user-script output is captured.
func (c *Config) ScriptLogsDir() string {
	return filepath.Join(c.LogsDir(), "mx-tester")
}

// HomeserverYAMLPath is the fixed location of the generated homeserver
// configuration, valid once the setup container has exited.
func (c *Config) HomeserverYAMLPath() string {
	return filepath.Join(c.SynapseDataDir(), "homeserver.yaml")
}

// WorkersSharedYAMLPath is the shared worker configuration artifact,
// present in worker mode only.
func (c *Config) WorkersSharedYAMLPath() string {
	return filepath.Join(c.SynapseWorkersDir(), "shared.yaml")
}

// RegistrationWait is the bound on the user-provisioning wait during
// Up, after mode defaults are applied. Zero means unbounded.
func (c *Config) RegistrationWait() time.Duration {
	switch {
	case c.Homeserver.RegistrationTimeout < 0:
		return 0
	case c.Homeserver.RegistrationTimeout > 0:
		return c.Homeserver.RegistrationTimeout
	case c.Workers.Enabled:
		// Workerized synapse routinely takes several minutes to come
		// up; a short timeout produces false failures.
		return 30 * time.Minute
	default:
		return 2 * time.Minute
	}
}

// SharedEnv resolves the environment variable set passed to every
// script invocation. Callers may add step-specific variables on top.
func (c *Config) SharedEnv() (map[string]string, error) {
	scriptTmpDir := filepath.Join(c.SynapseRoot(), "scripts")
	if err := os.MkdirAll(scriptTmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create directory %s: %w", scriptTmpDir, err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	env := map[string]string{
		EnvSynapseDir:         c.SynapseRoot(),
		EnvScriptTmpDir:       scriptTmpDir,
		EnvCWD:                cwd,
		EnvNetworkName:        c.Network(),
		EnvSetupContainerName: c.SetupContainerName(),
		EnvUpRunDownContainer: c.RunContainerName(),
	}
	if c.Workers.Enabled {
		env[EnvWorkersEnabled] = "true"
	}
	return env, nil
}
