package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Previews controls link preview generation.
type Previews struct {
	Enabled bool `toml:"enabled"`
}

// Config represents the global ~/.chirp/config.toml.
type Config struct {
	DefaultProfile string   `toml:"default_profile"`
	Muted          []string `toml:"muted"` // bare JIDs excluded from the global unread total
	Previews       Previews `toml:"previews"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Previews: Previews{Enabled: true},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
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
