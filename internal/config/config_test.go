package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "recsync.db", cfg.Database.Path)
	assert.Equal(t, "definitions", cfg.Definitions.Dir)
	assert.Equal(t, 20, cfg.Sync.PageSize)
	assert.Equal(t, 10000, cfg.Sync.MaxPages)
	assert.Equal(t, 2, cfg.Sync.Prefetch)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.JSON)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/var/lib/recsync/site.db"

[sync]
page_size = 50

[log]
json = true
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "/var/lib/recsync/site.db", cfg.Database.Path)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 10000, cfg.Sync.MaxPages, "unset keys keep defaults")
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[sync]\npage_size = 50\n")
	t.Setenv("RECSYNC_SYNC_PAGE_SIZE", "7")
	t.Setenv("RECSYNC_SERVER_ADDR", "127.0.0.1:9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.PageSize)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[database]\npath = \"found.db\"\n"), 0644))
	chdir(t, dir)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "found.db", cfg.Database.Path)
	assert.NotEmpty(t, cfg.File)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.File)
	assert.Equal(t, Default().Sync, cfg.Sync)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"malformed", "[sync\npage_size = ", "read config file"},
		{"zero page size", "[sync]\npage_size = 0\n", "sync.page_size must be positive"},
		{"negative max pages", "[sync]\nmax_pages = -1\n", "sync.max_pages must not be negative"},
		{"zero prefetch", "[sync]\nprefetch = 0\n", "sync.prefetch must be positive"},
		{"bad level", "[log]\nlevel = \"loud\"\n", "log.level"},
		{"empty database", "[database]\npath = \"\"\n", "database.path must not be empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestWriteTOML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().WriteTOML(&buf))

	out := buf.String()
	assert.Contains(t, out, "[database]")
	assert.Contains(t, out, `path = "recsync.db"`)
	assert.Contains(t, out, "[sync]")
	assert.Contains(t, out, "page_size = 20")
	assert.Contains(t, out, `addr = ":8080"`)
	assert.NotContains(t, out, "File")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
