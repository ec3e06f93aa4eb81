// Package config loads the daemon configuration from a YAML file with
// environment overrides, and resolves the vault passphrase from the
// environment or the OS keyring.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

const (
	keyringService = "hearth"
	keyringUser    = "vault-key"

	// EnvVaultKey overrides every other vault passphrase source.
	EnvVaultKey = "HEARTH_VAULT_KEY"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Vault    VaultConfig    `yaml:"vault"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

type VaultConfig struct {
	// Passphrase in the file is for development only; production should
	// use the environment variable or the OS keyring.
	Passphrase string `yaml:"passphrase"`
}

type RelayConfig struct {
	Token          string `yaml:"token"`
	RateLimitRPM   int    `yaml:"rate_limit_rpm"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func defaults() *Config {
	return &Config{
		Listen:   ":8787",
		Database: DatabaseConfig{Driver: "sqlite", DSN: "hearth.db"},
		Relay:    RelayConfig{RateLimitRPM: 120, RateLimitBurst: 20},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the config file at path, if it exists, over the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// run on defaults
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("HEARTH_LISTEN", &cfg.Listen)
	setString("HEARTH_DB_DRIVER", &cfg.Database.Driver)
	setString("HEARTH_DB_DSN", &cfg.Database.DSN)
	setString("HEARTH_RELAY_TOKEN", &cfg.Relay.Token)
	setString("HEARTH_LOG_LEVEL", &cfg.Log.Level)
	if v := os.Getenv("HEARTH_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.RateLimitRPM = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database dsn is empty")
	}
	return nil
}

// VaultPassphrase resolves the credential-vault passphrase, in order:
// environment, config file, OS keyring.
func (c *Config) VaultPassphrase() (string, error) {
	if v := os.Getenv(EnvVaultKey); v != "" {
		return v, nil
	}
	if c.Vault.Passphrase != "" {
		return c.Vault.Passphrase, nil
	}
	v, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		return "", fmt.Errorf("vault passphrase: not in %s, config, or keyring: %w", EnvVaultKey, err)
	}
	return v, nil
}

// StoreVaultPassphrase saves the passphrase in the OS keyring.
func StoreVaultPassphrase(passphrase string) error {
	return keyring.Set(keyringService, keyringUser, passphrase)
}
