package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/scheduler"
)

const envPrefix = "PHOTOVERSE_"

// Config holds all photoverse configuration.
// Priority: flags > env vars > .env > settings.json > defaults.
type Config struct {
	LogLevel      string          `json:"log_level"`
	PoolSize      int             `json:"pool_size"`
	MaxToolRounds int             `json:"max_tool_rounds"`
	Definitions   string          `json:"definitions"`
	Script        string          `json:"script"`
	NeutralVoice  string          `json:"neutral_voice"`
	Schedules     []scheduler.Job `json:"schedules"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		PoolSize:      engine.DefaultPoolSize,
		MaxToolRounds: engine.DefaultMaxToolRounds,
		NeutralVoice:  "female",
	}
}

func photoverseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".photoverse"
	}
	return filepath.Join(home, ".photoverse")
}

func settingsPath() string {
	return filepath.Join(photoverseDir(), "settings.json")
}

// loadConfig layers settings.json, the .env file and PHOTOVERSE_* variables
// over the defaults. Missing files are skipped; a settings file that does
// not parse is an error.
func loadConfig(settingsFile, envFile string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsFile, err)
		}
	}

	// Layer 3: .env values, overridden by the real environment.
	dotenv := map[string]string{}
	if envFile != "" {
		if values, err := godotenv.Read(envFile); err == nil {
			dotenv = values
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) string {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			return v
		}
		return dotenv[envPrefix+key]
	}

	if v := lookup("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := lookup("POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := lookup("MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxToolRounds = n
		}
	}
	if v := lookup("DEFINITIONS"); v != "" {
		cfg.Definitions = v
	}
	if v := lookup("SCRIPT"); v != "" {
		cfg.Script = v
	}
	if v := lookup("NEUTRAL_VOICE"); v != "" {
		cfg.NeutralVoice = v
	}

	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
