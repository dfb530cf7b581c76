package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// DefaultPath returns the config file location, honoring CHAPO_CONFIG.
func DefaultPath() string {
	if p := os.Getenv("CHAPO_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "chapo.json5"
	}
	return filepath.Join(home, ".chapo", "config.json5")
}

// Load reads the config file (JSON5), applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// First run: defaults plus env.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Agent.ProjectRoot = expandHome(cfg.Agent.ProjectRoot)
	cfg.Sessions.EventLogPath = expandHome(cfg.Sessions.EventLogPath)
	cfg.Sessions.SnapshotDir = expandHome(cfg.Sessions.SnapshotDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as plain JSON (a strict subset of JSON5) with a
// temp-file rename so a crash never leaves a half-written file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// applyEnv overrides secrets and connection strings from the environment.
// Secrets belong in env, not in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHAPO_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CHAPO_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("CHAPO_PROVIDER_API_BASE"); v != "" {
		cfg.Provider.APIBase = v
	}
	if v := os.Getenv("CHAPO_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CHAPO_ACTIONS_ENDPOINT"); v != "" {
		cfg.Actions.Endpoint = v
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
