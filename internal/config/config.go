package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default relay sets used when the config file does not override them.
var (
	DefaultRelayURLs = []string{
		"wss://relay.damus.io",
		"wss://nos.lol",
	}
	DefaultKeyPackageRelayURLs = []string{
		"wss://relay.damus.io",
	}
)

// Config represents the global ~/.pika/config.toml.
type Config struct {
	// NetworkDisabled keeps the core fully offline (local relay hub only).
	// Used by tests and local development.
	NetworkDisabled bool `toml:"network_disabled"`

	// RelayURLs overrides the general-purpose relay set.
	RelayURLs []string `toml:"relay_urls"`

	// KeyPackageRelayURLs overrides where credential packages are published.
	KeyPackageRelayURLs []string `toml:"key_package_relay_urls"`
}

// Relays returns the general relay set, falling back to defaults.
func (c *Config) Relays() []string {
	if len(c.RelayURLs) > 0 {
		return c.RelayURLs
	}
	return DefaultRelayURLs
}

// KeyPackageRelays returns the credential-package relay set, falling back to
// defaults.
func (c *Config) KeyPackageRelays() []string {
	if len(c.KeyPackageRelayURLs) > 0 {
		return c.KeyPackageRelayURLs
	}
	return DefaultKeyPackageRelayURLs
}

// Load reads config from the given path. A missing file yields the zero
// config without error; defaults cover everything.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
