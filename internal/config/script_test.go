package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestScriptDecodesSequence(t *testing.T) {
	var s Script
	require.NoError(t, yaml.Unmarshal([]byte("- echo one\n- echo two\n"), &s))
	assert.Equal(t, []string{"echo one", "echo two"}, s.Lines)
	assert.False(t, s.IsEmpty())
}

func TestScriptRejectsNonSequence(t *testing.T) {
	var s Script
	err := yaml.Unmarshal([]byte("echo one\n"), &s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence of shell command lines")
}

func TestScriptIsEmpty(t *testing.T) {
	var nilScript *Script
	assert.True(t, nilScript.IsEmpty())
	assert.True(t, (&Script{}).IsEmpty())
	assert.False(t, (&Script{Lines: []string{"true"}}).IsEmpty())
}

func TestUpScriptSimpleForm(t *testing.T) {
	cfg, err := Parse([]byte(`
name: mytest
up:
  - echo before
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Up)
	require.NotNil(t, cfg.Up.Before)
	assert.Equal(t, []string{"echo before"}, cfg.Up.Before.Lines)
	assert.True(t, cfg.Up.After.IsEmpty())
}

func TestUpScriptFullForm(t *testing.T) {
	cfg, err := Parse([]byte(`
name: mytest
up:
  before:
    - echo before
  after:
    - echo after one
    - echo after two
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Up)
	assert.Equal(t, []string{"echo before"}, cfg.Up.Before.Lines)
	assert.Equal(t, []string{"echo after one", "echo after two"}, cfg.Up.After.Lines)
}

func TestUpScriptRejectsScalar(t *testing.T) {
	_, err := Parse([]byte("name: mytest\nup: nope\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "`up` must be a script")
}

func TestDownScript(t *testing.T) {
	cfg, err := Parse([]byte(`
name: mytest
down:
  success:
    - echo ok
  failure:
    - echo ko
  finally:
    - echo always
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Down)
	assert.Equal(t, []string{"echo ok"}, cfg.Down.Success.Lines)
	assert.Equal(t, []string{"echo ko"}, cfg.Down.Failure.Lines)
	assert.Equal(t, []string{"echo always"}, cfg.Down.Finally.Lines)
}

func TestModuleConfigDecodes(t *testing.T) {
	cfg, err := Parse([]byte(`
name: mytest
modules:
  - name: mymodule
    build:
      - cp -r module $MX_TEST_MODULE_DIR
    install:
      - apt-get install -y libfoo
    env:
      RUSTUP_HOME: /rustup
    copy:
      res/grammar.bnf: grammars/mine.bnf
    config:
      module: my_module.MyModule
      config:
        level: 1
`))
	require.NoError(t, err)
	require.Len(t, cfg.Modules, 1)
	module := cfg.Modules[0]
	assert.Equal(t, "mymodule", module.Name)
	assert.Equal(t, []string{"cp -r module $MX_TEST_MODULE_DIR"}, module.Build.Lines)
	require.NotNil(t, module.Install)
	assert.Equal(t, []string{"apt-get install -y libfoo"}, module.Install.Lines)
	assert.Equal(t, "/rustup", module.Env["RUSTUP_HOME"])
	assert.Equal(t, "grammars/mine.bnf", module.Copy["res/grammar.bnf"])

	fragment, ok := module.Config.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "my_module.MyModule", fragment["module"])
}
