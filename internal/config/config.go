// Package config loads the conductor configuration file.
package config

import "time"

// Config is the root configuration for conductor.
type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Tmux         TmuxConfig         `json:"tmux"`
	Monitor      MonitorConfig      `json:"monitor"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Tasks        TasksConfig        `json:"tasks"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Events       EventsConfig       `json:"events"`
}

// GatewayConfig holds the HTTP and WebSocket surface settings.
type GatewayConfig struct {
	Enabled *bool  `json:"enabled,omitempty"` // nil means enabled
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// On reports whether the gateway should be started.
func (g GatewayConfig) On() bool { return g.Enabled == nil || *g.Enabled }

// TmuxConfig configures the session supervisor.
type TmuxConfig struct {
	Binary          string   `json:"binary"`
	CommandTimeout  Duration `json:"command_timeout"`
	SubmitDelay     Duration `json:"submit_delay"` // pause between text and Enter
	MaxCaptureBytes int      `json:"max_capture_bytes"`
}

// MonitorConfig configures the activity monitor.
type MonitorConfig struct {
	Interval     Duration `json:"interval"`
	CycleTimeout Duration `json:"cycle_timeout"`
	CaptureLines int      `json:"capture_lines"`
	CaptureBytes int      `json:"capture_bytes"`
	IdlePatterns []string `json:"idle_patterns,omitempty"` // appended to the built-in set
}

// SchedulerConfig configures message and check-in delivery.
type SchedulerConfig struct {
	SettleDelay      Duration `json:"settle_delay"`
	ContinuationHint string   `json:"continuation_hint"`
}

// TasksConfig configures the task lifecycle manager.
type TasksConfig struct {
	Dir                  string `json:"dir"`
	MaxValidationRetries int    `json:"max_validation_retries"`
	GateCommand          string `json:"gate_command,omitempty"`
	GateDir              string `json:"gate_dir,omitempty"`
}

// OrchestratorConfig identifies the orchestrator session.
type OrchestratorConfig struct {
	SessionName string `json:"session_name"`
	Alias       string `json:"alias"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
