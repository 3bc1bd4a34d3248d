package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults + env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays environment variables. Secrets live here exclusively.
func (c *Config) applyEnv() {
	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("RELAY_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("RELAY_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("RELAY_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("RELAY_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("RELAY_OPENAI_API_KEY"); v != "" {
		c.Reply.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Reply.APIKey = v
	}
	if v := os.Getenv("RELAY_OPENAI_API_BASE"); v != "" {
		c.Reply.APIBase = v
	}
}

// ExpandHome resolves a leading ~ in a filesystem path.
func ExpandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
