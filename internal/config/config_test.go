package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte("name: mytest\n"))
	require.NoError(t, err)

	assert.Equal(t, "mytest", cfg.Name)
	assert.Equal(t, DefaultSynapseImage, cfg.Synapse.Docker.Tag)
	assert.Equal(t, uint16(9999), cfg.Homeserver.HostPort)
	assert.Equal(t, "localhost:9999", cfg.Homeserver.ServerName)
	assert.Equal(t, "http://localhost:9999", cfg.Homeserver.PublicBaseURL)
	assert.Equal(t, "synapse", cfg.Docker.Hostname)
	assert.True(t, cfg.AutocleanOnError)
	assert.False(t, cfg.Workers.Enabled)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte("homeserver:\n  host_port: 8888\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a test name")
}

func TestParseRejectsUnnamedModule(t *testing.T) {
	_, err := Parse([]byte(`
name: mytest
modules:
  - build:
      - echo hi
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a name")
}

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(`
name: full
synapse:
  docker:
    tag: matrixdotorg/synapse:v1.55.0
homeserver:
  host_port: 8123
  server_name: my.example
  public_baseurl: http://my.example:8123
  registration_shared_secret: hunter2
  registration_timeout: 90s
  enable_registration: true
docker:
  hostname: hs
  port_mapping:
    - host: 18448
      guest: 8448
users:
  - localname: alice
    admin: true
  - localname: bob
    password: sekrit
workers:
  enabled: true
autoclean_on_error: false
`))
	require.NoError(t, err)

	assert.Equal(t, "matrixdotorg/synapse:v1.55.0", cfg.Synapse.Docker.Tag)
	assert.Equal(t, uint16(8123), cfg.Homeserver.HostPort)
	assert.Equal(t, "my.example", cfg.Homeserver.ServerName)
	assert.Equal(t, "hunter2", cfg.Homeserver.RegistrationSharedSecret)
	assert.Equal(t, 90*time.Second, cfg.Homeserver.RegistrationTimeout)
	// Unknown homeserver keys are collected for the patcher.
	assert.Equal(t, true, cfg.Homeserver.Extra["enable_registration"])
	require.Len(t, cfg.Docker.PortMapping, 1)
	assert.Equal(t, uint16(18448), cfg.Docker.PortMapping[0].Host)
	require.Len(t, cfg.Users, 2)
	assert.True(t, cfg.Users[0].Admin)
	assert.Equal(t, "password", cfg.Users[0].Password, "missing passwords default")
	assert.Equal(t, "sekrit", cfg.Users[1].Password)
	assert.True(t, cfg.Workers.Enabled)
	assert.False(t, cfg.AutocleanOnError)
}

func TestDerivedNames(t *testing.T) {
	cfg, err := Parse([]byte("name: mytest\n"))
	require.NoError(t, err)

	assert.Equal(t, "mx-tester-synapse-matrixdotorg-synapse-latest-mytest", cfg.Tag())
	assert.Equal(t, "net-"+cfg.Tag(), cfg.Network())
	assert.Equal(t, "mx-tester-synapse-setup-mytest", cfg.SetupContainerName())
	assert.Equal(t, "mx-tester-synapse-run-mytest", cfg.RunContainerName())

	cfg.Workers.Enabled = true
	assert.Equal(t, "mx-tester-synapse-matrixdotorg-synapse-latest-mytest-workers", cfg.Tag())
	assert.Equal(t, "mx-tester-synapse-setup-mytest-workers", cfg.SetupContainerName())
	assert.Equal(t, "mx-tester-synapse-run-mytest-workers", cfg.RunContainerName())
}

func TestTagSanitizesImageRef(t *testing.T) {
	cfg := Default()
	cfg.Name = "t"
	cfg.Synapse.Docker.Tag = "Registry.example:5000/Matrix/synapse:v1.55.0"
	assert.Equal(t, "mx-tester-synapse-registry.example-5000-matrix-synapse-v1.55.0-t", cfg.Tag())
}

func TestSetHostPort(t *testing.T) {
	var h HomeserverConfig
	h.SetHostPort(8123)
	assert.Equal(t, uint16(8123), h.HostPort)
	assert.Equal(t, "localhost:8123", h.ServerName)
	assert.Equal(t, "http://localhost:8123", h.PublicBaseURL)
}

func TestRegistrationWait(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2*time.Minute, cfg.RegistrationWait())

	cfg.Workers.Enabled = true
	assert.Equal(t, 30*time.Minute, cfg.RegistrationWait())

	cfg.Homeserver.RegistrationTimeout = 90 * time.Second
	assert.Equal(t, 90*time.Second, cfg.RegistrationWait(), "explicit timeout wins over the mode default")

	cfg.Homeserver.RegistrationTimeout = -1
	assert.Equal(t, time.Duration(0), cfg.RegistrationWait(), "negative means unbounded")
}

func TestSharedEnv(t *testing.T) {
	cfg := Default()
	cfg.Name = "envtest"
	cfg.Directories.Root = t.TempDir()

	env, err := cfg.SharedEnv()
	require.NoError(t, err)
	assert.Equal(t, cfg.SynapseRoot(), env[EnvSynapseDir])
	assert.Equal(t, cfg.Network(), env[EnvNetworkName])
	assert.Equal(t, cfg.SetupContainerName(), env[EnvSetupContainerName])
	assert.Equal(t, cfg.RunContainerName(), env[EnvUpRunDownContainer])
	assert.NotEmpty(t, env[EnvCWD])
	assert.DirExists(t, env[EnvScriptTmpDir])
	assert.NotContains(t, env, EnvWorkersEnabled)

	cfg.Workers.Enabled = true
	env, err = cfg.SharedEnv()
	require.NoError(t, err)
	assert.Equal(t, "true", env[EnvWorkersEnabled])
}

func TestDirectoryLayout(t *testing.T) {
	cfg := Default()
	cfg.Name = "layout"
	cfg.Directories.Root = "/tmp/x"

	assert.Equal(t, "/tmp/x/layout", cfg.TestRoot())
	assert.Equal(t, "/tmp/x/layout/synapse", cfg.SynapseRoot())
	assert.Equal(t, "/tmp/x/layout/synapse/data", cfg.SynapseDataDir())
	assert.Equal(t, "/tmp/x/layout/synapse/workers", cfg.SynapseWorkersDir())
	assert.Equal(t, "/tmp/x/layout/etc", cfg.EtcDir())
	assert.Equal(t, "/tmp/x/layout/logs", cfg.LogsDir())
	assert.Equal(t, "/tmp/x/layout/logs/mx-tester", cfg.ScriptLogsDir())
	assert.Equal(t, "/tmp/x/layout/synapse/data/homeserver.yaml", cfg.HomeserverYAMLPath())
	assert.Equal(t, "/tmp/x/layout/synapse/workers/shared.yaml", cfg.WorkersSharedYAMLPath())
}
