package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Storage.Backend != "jsonl" {
		t.Errorf("expected jsonl, got %s", cfg.Storage.Backend)
	}
	if cfg.Orchestrator.RequestTimeoutMs != 30000 {
		t.Errorf("expected 30000, got %d", cfg.Orchestrator.RequestTimeoutMs)
	}
	if cfg.Memory.RecallBudgetMs != 2000 {
		t.Errorf("expected 2000, got %d", cfg.Memory.RecallBudgetMs)
	}
	if cfg.Agents.MaxCached != 3 || cfg.Agents.IdleMinutes != 30 {
		t.Errorf("agent cache defaults = %d/%d", cfg.Agents.MaxCached, cfg.Agents.IdleMinutes)
	}
	if !cfg.Agents.EnableStateSharing {
		t.Error("state sharing should default on")
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[storage]
backend = "sqlite"
path = "custom.db"

[orchestrator]
fallback_strategy = "parallel"

[agents]
agent_lock_default = true
enable_state_sharing = false
`), 0644)

	cfg := Load(path)
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Storage.Backend)
	}
	if cfg.Orchestrator.FallbackStrategy != "parallel" {
		t.Errorf("expected parallel, got %s", cfg.Orchestrator.FallbackStrategy)
	}
	// Defaults preserved
	if cfg.LLM.Provider != "openai" {
		t.Errorf("default should be preserved, got %s", cfg.LLM.Provider)
	}
	if cfg.Memory.RememberQueueCap != 256 {
		t.Errorf("default should be preserved, got %d", cfg.Memory.RememberQueueCap)
	}
	if !cfg.Agents.AgentLockDefault || cfg.Agents.EnableStateSharing {
		t.Errorf("agents section = %+v", cfg.Agents)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("CHATSG_LLM_API_KEY", "env-key")
	t.Setenv("CHATSG_STORAGE_BACKEND", "postgres")
	t.Setenv("CHATSG_REQUEST_TIMEOUT_MS", "5000")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Storage.Backend)
	}
	if cfg.Orchestrator.RequestTimeoutMs != 5000 {
		t.Errorf("expected 5000, got %d", cfg.Orchestrator.RequestTimeoutMs)
	}
}

func TestEnvOverrideRejectsGarbage(t *testing.T) {
	t.Setenv("CHATSG_REQUEST_TIMEOUT_MS", "not-a-number")
	cfg := Load("/nonexistent/path.toml")
	if cfg.Orchestrator.RequestTimeoutMs != 30000 {
		t.Errorf("expected default 30000, got %d", cfg.Orchestrator.RequestTimeoutMs)
	}
}
