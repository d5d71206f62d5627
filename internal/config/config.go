// Package config loads runtime settings for an agent-world host: defaults,
// then an optional TOML file, then environment variables (env wins). A .env
// file in the working directory is folded into the environment first.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
	LLM      LLMConfig      `toml:"llm"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Observer ObserverConfig `toml:"observer"`
}

type StorageConfig struct {
	// Backend selects the storage implementation: file, sqlite, or postgres.
	Backend     string `toml:"backend"`
	DataPath    string `toml:"data_path"`
	SQLitePath  string `toml:"sqlite_path"`
	PostgresURL string `toml:"postgres_url"`
}

type LoggingConfig struct {
	Level string `toml:"level"` // trace|debug|info|warn|error
}

type LLMConfig struct {
	// Concurrency caps simultaneous LLM calls across all worlds.
	Concurrency int `toml:"concurrency"`
	// Default provider/model for chat titling when a world sets none.
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
}

type RuntimeConfig struct {
	TurnLimit          int `toml:"turn_limit"`
	HistoryWindow      int `toml:"history_window"`
	ToolIterationCap   int `toml:"tool_iteration_cap"`
	HITLTimeoutSeconds int `toml:"hitl_timeout_seconds"`
}

// HITLTimeout returns the configured approval timeout as a duration.
func (r RuntimeConfig) HITLTimeout() time.Duration {
	return time.Duration(r.HITLTimeoutSeconds) * time.Second
}

type ObserverConfig struct {
	Enabled  bool                       `toml:"enabled"`
	Endpoint string                     `toml:"endpoint"` // OTLP/HTTP collector
	Pricing  map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`  // USD per million input tokens
	Output float64 `toml:"output"` // USD per million output tokens
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:    "file",
			DataPath:   "./data/worlds",
			SQLitePath: "agentworld.db",
		},
		Logging: LoggingConfig{Level: "info"},
		LLM:     LLMConfig{Concurrency: 5},
		Runtime: RuntimeConfig{
			TurnLimit:          5,
			HistoryWindow:      10,
			ToolIterationCap:   8,
			HITLTimeoutSeconds: 120,
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	// A missing .env is fine; existing environment is never overwritten.
	_ = godotenv.Load()

	cfg := Default()

	if path == "" {
		path = "agentworld.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("AGENT_WORLD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("AGENT_WORLD_DATA_PATH"); v != "" {
		cfg.Storage.DataPath = v
	}
	if v := os.Getenv("AGENT_WORLD_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("AGENT_WORLD_POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("AGENT_WORLD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENT_WORLD_LLM_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.Concurrency = n
		}
	}
	if v := os.Getenv("AGENT_WORLD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AGENT_WORLD_TURN_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.TurnLimit = n
		}
	}
	if v := os.Getenv("AGENT_WORLD_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if v := os.Getenv("AGENT_WORLD_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Sanity fallbacks: nonsense values collapse to defaults.
	def := Default()
	if cfg.LLM.Concurrency <= 0 {
		cfg.LLM.Concurrency = def.LLM.Concurrency
	}
	if cfg.Runtime.TurnLimit <= 0 {
		cfg.Runtime.TurnLimit = def.Runtime.TurnLimit
	}
	if cfg.Runtime.HistoryWindow <= 0 {
		cfg.Runtime.HistoryWindow = def.Runtime.HistoryWindow
	}
	if cfg.Runtime.ToolIterationCap <= 0 {
		cfg.Runtime.ToolIterationCap = def.Runtime.ToolIterationCap
	}
	if cfg.Runtime.HITLTimeoutSeconds <= 0 {
		cfg.Runtime.HITLTimeoutSeconds = def.Runtime.HITLTimeoutSeconds
	}

	return cfg
}
