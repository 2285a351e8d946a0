// Package config loads recsync settings from TOML files, RECSYNC_*
// environment variables and defaults, in increasing order of precedence
// for env over file over default.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. RECSYNC_SYNC_PAGE_SIZE.
const EnvPrefix = "RECSYNC"

// FileName is the config file searched for when none is given.
const FileName = "recsync.toml"

// Config is the effective configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database" json:"database"`
	Definitions DefinitionsConfig `mapstructure:"definitions" toml:"definitions" json:"definitions"`
	Sync        SyncConfig        `mapstructure:"sync" toml:"sync" json:"sync"`
	Log         LogConfig         `mapstructure:"log" toml:"log" json:"log"`
	Server      ServerConfig      `mapstructure:"server" toml:"server" json:"server"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" toml:"-" json:"-"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path"`
}

type DefinitionsConfig struct {
	Dir string `mapstructure:"dir" toml:"dir" json:"dir"`
}

// SyncConfig tunes the engine. MaxPages 0 disables the page guard.
type SyncConfig struct {
	PageSize int `mapstructure:"page_size" toml:"page_size" json:"page_size"`
	MaxPages int `mapstructure:"max_pages" toml:"max_pages" json:"max_pages"`
	Prefetch int `mapstructure:"prefetch" toml:"prefetch" json:"prefetch"`
}

type LogConfig struct {
	Level string `mapstructure:"level" toml:"level" json:"level"`
	JSON  bool   `mapstructure:"json" toml:"json" json:"json"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" toml:"addr" json:"addr"`
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "recsync.db")
	v.SetDefault("definitions.dir", "definitions")

	v.SetDefault("sync.page_size", 20)
	v.SetDefault("sync.max_pages", 10000)
	v.SetDefault("sync.prefetch", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("server.addr", ":8080")
}

// Load reads configuration. An explicit path must exist; otherwise
// ./recsync.toml and $HOME/.recsync/recsync.toml are searched and a
// missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".recsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file and no environment.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	if c.Sync.PageSize <= 0 {
		return errors.Newf("sync.page_size must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.MaxPages < 0 {
		return errors.Newf("sync.max_pages must not be negative, got %d", c.Sync.MaxPages)
	}
	if c.Sync.Prefetch <= 0 {
		return errors.Newf("sync.prefetch must be positive, got %d", c.Sync.Prefetch)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

// WriteTOML renders the configuration as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return nil
}
