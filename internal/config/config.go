// Package config loads Dreamlake's client-side defaults from an optional
// YAML file plus environment variable overrides, following the same
// file-then-env layering the rest of this codebase's ancestry uses for its
// service configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the defaults a Session falls back to when a caller does not
// pass an explicit option.
type Config struct {
	Root         string        `yaml:"root"`
	RemoteURL    string        `yaml:"remote_url"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	APIKeyEnvVar string        `yaml:"api_key_env_var"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

// Default returns the built-in defaults before any file or environment
// override is applied.
func Default() *Config {
	return &Config{
		Root:         ".dreamlake",
		LockTimeout:  30 * time.Second,
		APIKeyEnvVar: "DREAMLAKE_API_KEY",
	}
}

// Load builds a Config starting from Default, overlaying configFile (if
// non-empty and present) and then environment variables.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("dreamlake: load config file %s: %w", configFile, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DREAMLAKE_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("DREAMLAKE_URL"); v != "" {
		cfg.RemoteURL = v
	}
	if v := os.Getenv("DREAMLAKE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockTimeout = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			cfg.LockTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DREAMLAKE_API_KEY_ENV_VAR"); v != "" {
		cfg.APIKeyEnvVar = v
	}
	if v := os.Getenv("DREAMLAKE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// APIKey reads the credential named by cfg.APIKeyEnvVar from the
// environment.
func (cfg *Config) APIKey() (string, bool) {
	v := os.Getenv(cfg.APIKeyEnvVar)
	return v, v != ""
}
