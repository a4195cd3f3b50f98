package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
	// comments are allowed
	"gateway": {"enabled": false, "port": 9999},
	"monitor": {
		"interval": "30s",
		"idle_patterns": ["READY>"], // trailing commas too
	},
	"orchestrator": {"session_name": "${{ .Env.ORC_SESSION }}"},
}`)
	t.Setenv("ORC_SESSION", "orc-main")
	t.Setenv("CONDUCTOR_PATH", t.TempDir())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.On() || cfg.Gateway.Port != 9999 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host, got %s", cfg.Gateway.Host)
	}
	if cfg.Monitor.Interval.Duration() != 30*time.Second {
		t.Errorf("interval = %s", cfg.Monitor.Interval.Duration())
	}
	if cfg.Monitor.CycleTimeout.Duration() != 6*time.Second {
		t.Errorf("cycle timeout = %s", cfg.Monitor.CycleTimeout.Duration())
	}
	if cfg.Monitor.CaptureBytes != 512 {
		t.Errorf("capture bytes = %d", cfg.Monitor.CaptureBytes)
	}
	if len(cfg.Monitor.IdlePatterns) != 1 || cfg.Monitor.IdlePatterns[0] != "READY>" {
		t.Errorf("idle patterns = %v", cfg.Monitor.IdlePatterns)
	}
	if cfg.Orchestrator.SessionName != "orc-main" {
		t.Errorf("orchestrator session = %q", cfg.Orchestrator.SessionName)
	}
	if cfg.Orchestrator.Alias != "orchestrator" {
		t.Errorf("alias = %q", cfg.Orchestrator.Alias)
	}
	if cfg.Tasks.MaxValidationRetries != 2 {
		t.Errorf("max validation retries = %d", cfg.Tasks.MaxValidationRetries)
	}
}

func TestLoadRejectsBadPattern(t *testing.T) {
	path := writeConfig(t, `{"monitor": {"idle_patterns": ["(unclosed"]}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid idle pattern")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `{"tmux": {"command_timeout": "soon"}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Tmux.Binary != "tmux" {
		t.Errorf("binary = %q", cfg.Tmux.Binary)
	}
	if cfg.Scheduler.ContinuationHint != DefaultContinuationHint {
		t.Errorf("hint = %q", cfg.Scheduler.ContinuationHint)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
