package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("schedule not found")
	ErrInvalidDelayUnit = errors.New("invalid delay unit")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// DelayUnit is the unit of a ScheduledMessage delay.
type DelayUnit string

const (
	UnitSeconds DelayUnit = "seconds"
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
)

// Duration converts amount units into a time.Duration.
func (u DelayUnit) Duration(amount int) (time.Duration, error) {
	switch u {
	case UnitSeconds:
		return time.Duration(amount) * time.Second, nil
	case UnitMinutes:
		return time.Duration(amount) * time.Minute, nil
	case UnitHours:
		return time.Duration(amount) * time.Hour, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDelayUnit, string(u))
}

// ScheduledMessage is a named message addressed to a team or the orchestrator.
type ScheduledMessage struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TargetTeam     string     `json:"targetTeam"`
	TargetProject  string     `json:"targetProject,omitempty"`
	Message        string     `json:"message"`
	DelayAmount    int        `json:"delayAmount"`
	DelayUnit      DelayUnit  `json:"delayUnit"`
	CronSpec       string     `json:"cronSpec,omitempty"`
	IsRecurring    bool       `json:"isRecurring"`
	IsActive       bool       `json:"isActive"`
	MaxOccurrences int        `json:"maxOccurrences,omitempty"`
	RunCount       int        `json:"runCount"`
	LastRun        *time.Time `json:"lastRun,omitempty"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Validate checks the fields a timer depends on.
func (m *ScheduledMessage) Validate() error {
	if strings.TrimSpace(m.TargetTeam) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidSchedule)
	}
	if m.MaxOccurrences < 0 {
		return fmt.Errorf("%w: maxOccurrences must not be negative", ErrInvalidSchedule)
	}
	if m.CronSpec != "" {
		_, err := ParseCron(m.CronSpec)
		return err
	}
	if m.DelayAmount <= 0 {
		return fmt.Errorf("%w: delay must be positive", ErrInvalidSchedule)
	}
	_, err := m.DelayUnit.Duration(m.DelayAmount)
	return err
}

// delay returns the fixed interval of the message; zero for cron schedules.
func (m *ScheduledMessage) delay() time.Duration {
	d, _ := m.DelayUnit.Duration(m.DelayAmount)
	return d
}

// CheckIn is a reminder addressed to a single session.
type CheckIn struct {
	ID              string     `json:"id"`
	TargetSession   string     `json:"targetSession"`
	Message         string     `json:"message"`
	FireAt          time.Time  `json:"fireAt"`
	IntervalMinutes int        `json:"intervalMinutes,omitempty"`
	MaxOccurrences  int        `json:"maxOccurrences,omitempty"`
	RunCount        int        `json:"runCount"`
	IsActive        bool       `json:"isActive"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Recurring reports whether the check-in re-arms after firing.
func (c *CheckIn) Recurring() bool { return c.IntervalMinutes > 0 }

// Validate checks the fields a timer depends on.
func (c *CheckIn) Validate() error {
	if strings.TrimSpace(c.TargetSession) == "" {
		return fmt.Errorf("%w: target session is required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(c.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidSchedule)
	}
	if c.IntervalMinutes < 0 || c.MaxOccurrences < 0 {
		return fmt.Errorf("%w: interval and maxOccurrences must not be negative", ErrInvalidSchedule)
	}
	return nil
}

// GenerateMessageID creates a schedule identifier with "sched_" prefix.
func GenerateMessageID() string {
	return "sched_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}

// GenerateCheckInID creates a check-in identifier with "chk_" prefix.
func GenerateCheckInID() string {
	return "chk_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
}
