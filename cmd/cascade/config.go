package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all cascade server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	Workers    int    `json:"workers"`
	// Queue selects the work-queue backend: "memory" or "libsql".
	Queue      string `json:"queue"`
	QueueName  string `json:"queue_name"`
	PopTimeout string `json:"pop_timeout"`
	MCP        bool   `json:"mcp"`
	EmailFrom  string `json:"email_from"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(cascadeDir(), "cascade.db"),
		LogLevel:   "info",
		Workers:    8,
		Queue:      "memory",
		QueueName:  "jobs",
		PopTimeout: "2s",
		MCP:        true,
	}
}

func cascadeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

func settingsPath() string {
	return filepath.Join(cascadeDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CASCADE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CASCADE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("CASCADE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CASCADE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CASCADE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CASCADE_QUEUE"); v != "" {
		cfg.Queue = v
	}
	if v := os.Getenv("CASCADE_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("CASCADE_POP_TIMEOUT"); v != "" {
		cfg.PopTimeout = v
	}
	if v := os.Getenv("CASCADE_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := os.Getenv("CASCADE_EMAIL_FROM"); v != "" {
		cfg.EmailFrom = v
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

// popTimeout parses the configured pop timeout, falling back to the
// default on junk input.
func (c Config) popTimeout() time.Duration {
	d, err := time.ParseDuration(c.PopTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
