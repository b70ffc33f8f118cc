package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all laminar server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr      string `json:"listen_addr"`
	DBPath          string `json:"db_path"`
	GraphDir        string `json:"graph_dir"`
	PolicyPath      string `json:"policy_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	CheckpointsKept int    `json:"checkpoints_kept"`
	MCPStdio        bool   `json:"mcp_stdio"`

	// VaultPassphrase enables the secret vault. Env-only, never read from
	// settings.json.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:      ":4400",
		DBPath:          filepath.Join(laminarDir(), "laminar.db"),
		GraphDir:        filepath.Join(laminarDir(), "toolgraph"),
		LogLevel:        "info",
		PoolSize:        10,
		CheckpointsKept: 20,
	}
}

func laminarDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".laminar"
	}
	return filepath.Join(home, ".laminar")
}

func settingsPath() string {
	return filepath.Join(laminarDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LAMINAR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LAMINAR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LAMINAR_GRAPH_DIR"); v != "" {
		cfg.GraphDir = v
	}
	if v := os.Getenv("LAMINAR_POLICY_PATH"); v != "" {
		cfg.PolicyPath = v
	}
	if v := os.Getenv("LAMINAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LAMINAR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LAMINAR_CHECKPOINTS_KEPT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CheckpointsKept = n
		}
	}
	if v := os.Getenv("LAMINAR_MCP_STDIO"); v != "" {
		cfg.MCPStdio = v == "true" || v == "1"
	}
	cfg.VaultPassphrase = os.Getenv("LAMINAR_VAULT_PASSPHRASE")

	return cfg
}
