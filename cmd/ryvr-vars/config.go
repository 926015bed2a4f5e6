package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/expressions"
)

// Config holds the CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	LogLevel           string `json:"log_level"`
	DataFile           string `json:"data_file"`
	ListSeparator      string `json:"list_separator"`
	IterationSeparator string `json:"iteration_separator"`
	MaxIterations      int    `json:"max_iterations"`
}

func defaultConfig() Config {
	opts := expressions.DefaultOptions()
	return Config{
		LogLevel:           "warn",
		ListSeparator:      opts.ListSeparator,
		IterationSeparator: opts.IterationSeparator,
	}
}

func ryvrDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ryvr"
	}
	return filepath.Join(home, ".ryvr")
}

func settingsPath() string {
	return filepath.Join(ryvrDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the environment over the defaults.
func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := getenv("RYVR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("RYVR_DATA_FILE"); v != "" {
		cfg.DataFile = v
	}
	if v := getenv("RYVR_LIST_SEPARATOR"); v != "" {
		cfg.ListSeparator = v
	}
	if v := getenv("RYVR_ITERATION_SEPARATOR"); v != "" {
		cfg.IterationSeparator = v
	}
	if v := getenv("RYVR_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}

	return cfg
}

// rendererOptions converts the configuration into renderer options.
func (c Config) rendererOptions() expressions.Options {
	return expressions.Options{
		ListSeparator:      c.ListSeparator,
		IterationSeparator: c.IterationSeparator,
		MaxIterations:      c.MaxIterations,
	}
}
