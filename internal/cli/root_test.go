package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "recsync", cmd.Use)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"validate", "compile", "run", "runs", "record", "test", "serve", "config"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"config", "db", "defs", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing flag --%s", name)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
	assert.Equal(t, "v", cmd.PersistentFlags().Lookup("verbose").Shorthand)
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	_, err := execute(t, cmd, "--format", "yaml", "config", "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestIsValidFormat(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("JSON"))
}

func TestRootOptions_ConfigOverrides(t *testing.T) {
	opts := newTestOptions(t, "text", validDefs)

	cfg, err := opts.Config()
	require.NoError(t, err)
	assert.Equal(t, opts.Database, cfg.Database.Path)
	assert.Equal(t, opts.Definitions, cfg.Definitions.Dir)
	assert.Equal(t, 20, cfg.Sync.PageSize)

	again, err := opts.Config()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "configuration is loaded once")
}

func TestRootOptions_BadConfigFile(t *testing.T) {
	opts := &RootOptions{ConfigPath: "/nonexistent/recsync.toml"}
	_, err := opts.Config()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
