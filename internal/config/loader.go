package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

// DefaultContinuationHint is appended to recurring deliveries so an interrupted
// agent goes back to what it was doing after answering.
const DefaultContinuationHint = "After responding, resume the work you were doing before this message."

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18430
	}

	if cfg.Tmux.Binary == "" {
		cfg.Tmux.Binary = "tmux"
	}
	if cfg.Tmux.CommandTimeout == 0 {
		cfg.Tmux.CommandTimeout = Duration(2 * time.Second)
	}
	if cfg.Tmux.SubmitDelay == 0 {
		cfg.Tmux.SubmitDelay = Duration(300 * time.Millisecond)
	}
	if cfg.Tmux.MaxCaptureBytes == 0 {
		cfg.Tmux.MaxCaptureBytes = 64 * 1024
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = Duration(120 * time.Second)
	}
	if cfg.Monitor.CycleTimeout == 0 {
		cfg.Monitor.CycleTimeout = Duration(6 * time.Second)
	}
	if cfg.Monitor.CaptureLines == 0 {
		cfg.Monitor.CaptureLines = 20
	}
	if cfg.Monitor.CaptureBytes == 0 {
		cfg.Monitor.CaptureBytes = 512
	}

	if cfg.Scheduler.SettleDelay == 0 {
		cfg.Scheduler.SettleDelay = Duration(time.Second)
	}
	if cfg.Scheduler.ContinuationHint == "" {
		cfg.Scheduler.ContinuationHint = DefaultContinuationHint
	}

	if cfg.Tasks.Dir == "" {
		cfg.Tasks.Dir = filepath.Join(DataPath(), "tasks")
	}
	if cfg.Tasks.MaxValidationRetries == 0 {
		cfg.Tasks.MaxValidationRetries = 2
	}

	if cfg.Orchestrator.SessionName == "" {
		cfg.Orchestrator.SessionName = "conductor-orc"
	}
	if cfg.Orchestrator.Alias == "" {
		cfg.Orchestrator.Alias = "orchestrator"
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
}

// Validate rejects configurations the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg.Monitor.Interval.Duration() <= 0 {
		return fmt.Errorf("config: monitor.interval must be positive")
	}
	if cfg.Monitor.CycleTimeout.Duration() <= 0 {
		return fmt.Errorf("config: monitor.cycle_timeout must be positive")
	}
	if cfg.Tmux.CommandTimeout.Duration() <= 0 {
		return fmt.Errorf("config: tmux.command_timeout must be positive")
	}
	if cfg.Tasks.MaxValidationRetries < 0 {
		return fmt.Errorf("config: tasks.max_validation_retries must not be negative")
	}
	for _, p := range cfg.Monitor.IdlePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: monitor.idle_patterns %q: %w", p, err)
		}
	}
	return nil
}
