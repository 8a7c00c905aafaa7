// Package config loads runtime configuration for the chatsg daemon.
// Precedence is defaults, then the TOML file, then env vars (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server       ServerConfig       `toml:"server"`
	LLM          LLMConfig          `toml:"llm"`
	Storage      StorageConfig      `toml:"storage"`
	Memory       MemoryConfig       `toml:"memory"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Agents       AgentsConfig       `toml:"agents"`
	Observer     ObserverConfig     `toml:"observer"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LLMConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	APIKey      string  `toml:"api_key"`
	BaseURL     string  `toml:"base_url"`
	MaxAttempts int     `toml:"max_attempts"`
	RPM         int     `toml:"rpm"`
	TPM         int     `toml:"tpm"`
	Temperature float64 `toml:"temperature"`
}

type StorageConfig struct {
	// Backend selects the session store: "jsonl", "sqlite", or "postgres".
	Backend     string `toml:"backend"`
	Dir         string `toml:"dir"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type MemoryConfig struct {
	// Backend selects the memory adapter: "sqlite", "redis", or "none".
	Backend               string `toml:"backend"`
	Path                  string `toml:"path"`
	RedisURL              string `toml:"redis_url"`
	RecallBudgetMs        int    `toml:"recall_budget_ms"`
	RememberQueueCap      int    `toml:"remember_queue_cap"`
	RememberWorkers       int    `toml:"remember_workers"`
	CrossSessionByDefault bool   `toml:"cross_session_default"`
}

type OrchestratorConfig struct {
	RequestTimeoutMs int    `toml:"request_timeout_ms"`
	FallbackStrategy string `toml:"fallback_strategy"`
	ShutdownGraceMs  int    `toml:"shutdown_grace_ms"`
}

type AgentsConfig struct {
	MaxCached          int  `toml:"max_cached"`
	IdleMinutes        int  `toml:"idle_minutes"`
	AgentLockDefault   bool `toml:"agent_lock_default"`
	EnableStateSharing bool `toml:"enable_state_sharing"`
	EnableCRM          bool `toml:"enable_crm"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			MaxAttempts: 3,
			Temperature: 0.7,
		},
		Storage: StorageConfig{Backend: "jsonl", Dir: "chatsg-data", Path: "chatsg.db"},
		Memory: MemoryConfig{
			Backend:          "sqlite",
			Path:             "chatsg-memory.db",
			RecallBudgetMs:   2000,
			RememberQueueCap: 256,
			RememberWorkers:  4,
		},
		Orchestrator: OrchestratorConfig{
			RequestTimeoutMs: 30000,
			FallbackStrategy: "sequential",
			ShutdownGraceMs:  10000,
		},
		Agents: AgentsConfig{MaxCached: 3, IdleMinutes: 30, EnableStateSharing: true},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chatsg.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CHATSG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATSG_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CHATSG_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CHATSG_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("CHATSG_POSTGRES_URL"); v != "" {
		cfg.Storage.PostgresURL = v
	}
	if v := os.Getenv("CHATSG_REDIS_URL"); v != "" {
		cfg.Memory.RedisURL = v
	}
	if v := os.Getenv("CHATSG_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("CHATSG_REQUEST_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Orchestrator.RequestTimeoutMs = n
		}
	}
	if v := os.Getenv("CHATSG_MAX_CACHED_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agents.MaxCached = n
		}
	}
	if v := os.Getenv("CHATSG_OBSERVER_ENABLED"); v != "" {
		cfg.Observer.Enabled = v == "1" || v == "true"
	}

	return cfg
}
