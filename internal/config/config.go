package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.p2pchat/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	Signaling      SignalingConfig `toml:"signaling"`
	ICE            ICEConfig       `toml:"ice"`
}

// SignalingConfig locates the rendezvous service.
type SignalingConfig struct {
	Address string `toml:"address"`
}

// ICEConfig overrides the ICE servers the profile hands out. Empty
// means use the profile's list.
type ICEConfig struct {
	Servers []string `toml:"servers"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Signaling:      SignalingConfig{Address: "localhost:9090"},
	}
}

// Load reads config from the given path. A missing file yields the
// defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return Default(), nil
	}
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
