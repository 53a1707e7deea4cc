// Package config loads envbuild settings from defaults, an optional
// envbuild.toml, ENVBUILD_* environment variables and command-line flags,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	AppName          = "envbuild"
	ConfigFileName   = "envbuild"
	ConfigFileType   = "toml"
	EnvPrefix        = "ENVBUILD"
	DefaultStateDir  = "/var/lib/envbuild"
	DefaultLogFormat = "text"
)

type Config struct {
	StateDir   string `mapstructure:"state_dir"`
	LayoutDir  string `mapstructure:"layout_dir"`
	DBPath     string `mapstructure:"db_path"`
	LockDir    string `mapstructure:"lock_dir"`
	WorkDir    string `mapstructure:"work_dir"`
	ResolvConf string `mapstructure:"resolv_conf"`

	// RequireDigest rejects base images referenced by tag only.
	RequireDigest bool   `mapstructure:"require_digest"`
	Platform      string `mapstructure:"platform"`
	KeepWorkDir   bool   `mapstructure:"keep_work_dir"`

	// SourceDateEpoch fixes image timestamps for reproducible output.
	SourceDateEpoch int64 `mapstructure:"source_date_epoch"`

	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"state-dir":      "state_dir",
	"layout-dir":     "layout_dir",
	"db":             "db_path",
	"require-digest": "require_digest",
	"platform":       "platform",
	"keep-work-dir":  "keep_work_dir",
	"log-format":     "log_format",
	"log-level":      "log_level",
}

// Load reads the configuration. configFile, when set, must exist; otherwise
// envbuild.toml is looked up in the working directory and /etc/envbuild.
// flags may be nil; only flags that were set override other sources.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("resolv_conf", "/etc/resolv.conf")
	v.SetDefault("require_digest", false)
	v.SetDefault("keep_work_dir", false)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("log_level", "info")
	v.SetDefault("source_date_epoch", 0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("source_date_epoch", EnvPrefix+"_SOURCE_DATE_EPOCH", "SOURCE_DATE_EPOCH"); err != nil {
		return nil, fmt.Errorf("bind environment: %w", err)
	}
	// AutomaticEnv only covers keys viper already knows about
	for _, key := range []string{"layout_dir", "db_path", "lock_dir", "work_dir", "platform"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind environment: %w", err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigFileName)
		v.SetConfigType(ConfigFileType)
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("/etc", AppName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills paths left unset from StateDir.
func (c *Config) applyDerived() {
	if c.LayoutDir == "" {
		c.LayoutDir = filepath.Join(c.StateDir, "images")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, AppName+".db")
	}
	if c.LockDir == "" {
		c.LockDir = filepath.Join(c.StateDir, "locks")
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.StateDir, "work")
	}
}

func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.SourceDateEpoch < 0 {
		return fmt.Errorf("source_date_epoch must not be negative")
	}
	return nil
}

// Created returns the timestamp recorded in built images.
func (c *Config) Created(now time.Time) time.Time {
	if c.SourceDateEpoch > 0 {
		return time.Unix(c.SourceDateEpoch, 0).UTC()
	}
	return now.UTC()
}
