package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all tandem server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	Scheduler    bool   `json:"scheduler"`
	HTTPTimeout  int    `json:"http_timeout_seconds"`
	MaxBodyBytes int64  `json:"max_body_bytes"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(tandemDir(), "tandem.db"),
		LogLevel:  "info",
		PoolSize:  10,
		Scheduler: true,
	}
}

func tandemDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tandem"
	}
	return filepath.Join(home, ".tandem")
}

func settingsPath() string {
	return filepath.Join(tandemDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("TANDEM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TANDEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TANDEM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("TANDEM_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}
	if v := os.Getenv("TANDEM_HTTP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPTimeout = n
		}
	}

	return cfg
}
