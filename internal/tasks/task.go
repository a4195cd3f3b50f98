// Package tasks manages the task lifecycle: assignment, acceptance,
// delegation, completion and blocking, with loop-free delegation chains.
package tasks

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Statuses lists every status, in lifecycle order.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusDone, StatusBlocked}

func (s Status) valid() bool { return slices.Contains(Statuses, s) }

// Priority represents the importance of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Urgency qualifies a blocked task.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// DefaultMilestone holds tasks created without a milestone.
const DefaultMilestone = "backlog"

// Blocker records why a task is blocked.
type Blocker struct {
	Reason    string    `yaml:"reason" json:"reason"`
	Questions []string  `yaml:"questions,omitempty" json:"questions,omitempty"`
	Urgency   Urgency   `yaml:"urgency" json:"urgency"`
	By        string    `yaml:"by,omitempty" json:"by,omitempty"`
	At        time.Time `yaml:"at" json:"at"`
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	At     time.Time `yaml:"at" json:"at"`
	Action string    `yaml:"action" json:"action"`
	Actor  string    `yaml:"actor,omitempty" json:"actor,omitempty"`
	From   Status    `yaml:"from,omitempty" json:"from,omitempty"`
	To     Status    `yaml:"to" json:"to"`
	Note   string    `yaml:"note,omitempty" json:"note,omitempty"`
}

// Task is a unit of work stored as a markdown file with YAML frontmatter.
// The description is the markdown body.
type Task struct {
	ID                 string         `yaml:"id" json:"id"`
	Title              string         `yaml:"title" json:"title"`
	Status             Status         `yaml:"status" json:"status"`
	Priority           Priority       `yaml:"priority" json:"priority"`
	Milestone          string         `yaml:"milestone" json:"milestone"`
	Assignee           string         `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	DelegationChain    []string       `yaml:"delegationChain,omitempty" json:"delegationChain,omitempty"`
	OutputSchema       string         `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	Summary            string         `yaml:"summary,omitempty" json:"summary,omitempty"`
	Output             any            `yaml:"output,omitempty" json:"output,omitempty"`
	ValidationAttempts int            `yaml:"validationAttempts,omitempty" json:"validationAttempts,omitempty"`
	Blocker            *Blocker       `yaml:"blocker,omitempty" json:"blocker,omitempty"`
	History            []HistoryEntry `yaml:"history,omitempty" json:"history,omitempty"`
	CreatedAt          time.Time      `yaml:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time      `yaml:"updatedAt" json:"updatedAt"`
	AcceptedAt         *time.Time     `yaml:"acceptedAt,omitempty" json:"acceptedAt,omitempty"`
	CompletedAt        *time.Time     `yaml:"completedAt,omitempty" json:"completedAt,omitempty"`

	Description string `yaml:"-" json:"description"`
	// Path is the file location relative to the store root.
	Path string `yaml:"-" json:"path"`
}

// InChain reports whether member already appears in the delegation chain.
func (t *Task) InChain(member string) bool {
	return slices.Contains(t.DelegationChain, member)
}

func (t *Task) record(now time.Time, action, actor string, from Status, note string) {
	t.History = append(t.History, HistoryEntry{
		At:     now,
		Action: action,
		Actor:  actor,
		From:   from,
		To:     t.Status,
		Note:   note,
	})
	t.UpdatedAt = now
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
