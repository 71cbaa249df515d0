package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all runbook configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	LogFormat        string `json:"log_format"` // "text" or "json"
	BaseURL          string `json:"base_url"`
	GraphQLEndpoint  string `json:"graphql_endpoint"`
	AuthHeader       string `json:"auth_header"` // sent as Authorization on every call
	TimeoutSeconds   int    `json:"timeout_seconds"`
	Parallelism      int    `json:"parallelism"`
	RetryAttempts    int    `json:"retry_attempts"`    // total attempts per operation; 1 disables retry
	BreakerThreshold int    `json:"breaker_threshold"` // consecutive failures before a target's circuit opens; 0 disables
}

func defaultConfig() Config {
	return Config{
		DBPath:         filepath.Join(runbookDir(), "runbook.db"),
		LogLevel:       "info",
		LogFormat:      "text",
		TimeoutSeconds: 30,
		Parallelism:    1,
		RetryAttempts:  1,
	}
}

func runbookDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runbook"
	}
	return filepath.Join(home, ".runbook")
}

func settingsPath() string {
	return filepath.Join(runbookDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNBOOK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNBOOK_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RUNBOOK_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("RUNBOOK_GRAPHQL_ENDPOINT"); v != "" {
		cfg.GraphQLEndpoint = v
	}
	if v := os.Getenv("RUNBOOK_AUTH_HEADER"); v != "" {
		cfg.AuthHeader = v
	}
	if v := os.Getenv("RUNBOOK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("RUNBOOK_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism = n
		}
	}
	if v := os.Getenv("RUNBOOK_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryAttempts = n
		}
	}
	if v := os.Getenv("RUNBOOK_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerThreshold = n
		}
	}

	return cfg
}
