package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repo.BaseBranch != "main" {
		t.Errorf("BaseBranch = %q, want main", cfg.Repo.BaseBranch)
	}
	if cfg.Scheduler.ConcurrencyLimit != 4 {
		t.Errorf("ConcurrencyLimit = %d, want 4", cfg.Scheduler.ConcurrencyLimit)
	}
	if cfg.Health.HungThreshold != 120*time.Second {
		t.Errorf("HungThreshold = %v, want 120s", cfg.Health.HungThreshold)
	}
	if cfg.Health.DeadThreshold != 300*time.Second {
		t.Errorf("DeadThreshold = %v, want 300s", cfg.Health.DeadThreshold)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseBackoff != 60*time.Second {
		t.Errorf("BaseBackoff = %v, want 60s", cfg.Retry.BaseBackoff)
	}
	if cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Retry.Multiplier)
	}
	if cfg.Events.HistoryCapacity != 1000 {
		t.Errorf("HistoryCapacity = %d, want 1000", cfg.Events.HistoryCapacity)
	}
}

func TestLoadMissingFilesAreSkipped(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml")
	if err != nil {
		t.Fatalf("missing config files should not error: %v", err)
	}
	if cfg.Repo.BaseBranch != "main" {
		t.Errorf("defaults not applied: %q", cfg.Repo.BaseBranch)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("repo: [not: valid"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, ""); err == nil {
		t.Fatal("malformed YAML should error")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()

	globalPath := filepath.Join(dir, "global.yaml")
	if err := os.WriteFile(globalPath, []byte("repo:\n  base_branch: develop\nagent:\n  command: codex\n"), 0644); err != nil {
		t.Fatal(err)
	}

	projectPath := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(projectPath, []byte("repo:\n  base_branch: trunk\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Project overrides global; global overrides defaults.
	if cfg.Repo.BaseBranch != "trunk" {
		t.Errorf("BaseBranch = %q, want trunk (project wins)", cfg.Repo.BaseBranch)
	}
	if cfg.Agent.Command != "codex" {
		t.Errorf("Command = %q, want codex (global wins over default)", cfg.Agent.Command)
	}
	if cfg.Repo.WorktreeDir != ".worktrees" {
		t.Errorf("WorktreeDir = %q, untouched default should survive", cfg.Repo.WorktreeDir)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_LOG_LEVEL", "debug")
	t.Setenv("FOREMAN_REPO__BASE_BRANCH", "release")
	t.Setenv("FOREMAN_RETRY_MAX_RETRIES", "5")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Repo.BaseBranch != "release" {
		t.Errorf("BaseBranch = %q, want release", cfg.Repo.BaseBranch)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
}
