package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Load loads config from the default path (~/.kimibridge/config.json).
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFromFile(filepath.Join(home, ".kimibridge", "config.json"))
}

// LoadFromFile loads config from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader loads config from an io.Reader, applying defaults and env overrides.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	if err := json.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	expandStoragePath(cfg)

	return cfg, nil
}

// applyEnvOverrides applies KIMIBRIDGE_-prefixed environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]*string{
		"KIMIBRIDGE_KIMI_REFRESHTOKEN":     &cfg.Kimi.RefreshToken,
		"KIMIBRIDGE_KIMI_BASEURL":          &cfg.Kimi.BaseURL,
		"KIMIBRIDGE_TRANSCRIPTION_APIKEY":  &cfg.Transcription.APIKey,
		"KIMIBRIDGE_TRANSCRIPTION_BASEURL": &cfg.Transcription.BaseURL,
		"KIMIBRIDGE_TRANSCRIPTION_MODEL":   &cfg.Transcription.Model,
		"KIMIBRIDGE_RESOLVER_APIURL":       &cfg.Resolver.APIURL,
		"KIMIBRIDGE_FILES_STORAGEDIR":      &cfg.Files.StorageDir,
		"KIMIBRIDGE_LOGGING_LEVEL":         &cfg.Logging.Level,
	}

	for env, ptr := range envMap {
		if val := os.Getenv(env); val != "" {
			*ptr = val
		}
	}
}

// expandStoragePath expands a leading ~ in the storage path.
func expandStoragePath(cfg *Config) {
	dir := cfg.Files.StorageDir
	if len(dir) >= 2 && dir[0] == '~' && dir[1] == '/' {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Files.StorageDir = filepath.Join(home, dir[2:])
		}
	}
}
