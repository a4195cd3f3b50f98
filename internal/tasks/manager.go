package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/conductor/internal/events"
)

// Config holds dependencies for the Manager.
type Config struct {
	Store *FileStore
	Bus   events.Publisher // optional
	Gate  QualityGate      // optional
	// MaxValidationRetries is how many failed output validations are
	// tolerated before the task is blocked. Negative means none.
	MaxValidationRetries int
	Now                  func() time.Time
}

// Manager owns task transitions. Mutations of a single task are linearized.
type Manager struct {
	store      *FileStore
	bus        events.Publisher
	gate       QualityGate
	maxRetries int
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxValidationRetries < 0 {
		cfg.MaxValidationRetries = 0
	}
	return &Manager{
		store:      cfg.Store,
		bus:        cfg.Bus,
		gate:       cfg.Gate,
		maxRetries: cfg.MaxValidationRetries,
		now:        cfg.Now,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lock(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CreateRequest describes a new task.
type CreateRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Milestone    string   `json:"milestone,omitempty"`
	Priority     Priority `json:"priority,omitempty"`
	OutputSchema string   `json:"outputSchema,omitempty"`
	Actor        string   `json:"actor,omitempty"`
}

// Create persists a new open task.
func (m *Manager) Create(req CreateRequest) (*Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidArgument)
	}
	if req.Milestone == "" {
		req.Milestone = DefaultMilestone
	}
	if !ValidMilestone(req.Milestone) {
		return nil, fmt.Errorf("%w: milestone %q", ErrInvalidArgument, req.Milestone)
	}
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if req.OutputSchema != "" {
		if _, err := compileSchema(req.OutputSchema); err != nil {
			return nil, err
		}
	}

	now := m.now()
	t := &Task{
		Title:        req.Title,
		Description:  req.Description,
		Status:       StatusOpen,
		Priority:     req.Priority,
		Milestone:    req.Milestone,
		OutputSchema: req.OutputSchema,
		CreatedAt:    now,
	}
	t.record(now, "create", req.Actor, "", "")
	if err := m.store.Create(t); err != nil {
		return nil, err
	}
	slog.Info("tasks: created", "id", t.ID, "milestone", t.Milestone)
	m.publish(events.EventTaskCreated, t, "", req.Actor, "")
	return t, nil
}

// Read resolves ref, either a task id or a path relative to the store root.
func (m *Manager) Read(ref string) (*Task, error) {
	if strings.HasSuffix(ref, ".md") || strings.ContainsRune(ref, '/') || strings.ContainsRune(ref, filepath.Separator) {
		if filepath.IsAbs(ref) {
			rel, err := filepath.Rel(m.store.Root(), ref)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, ref)
			}
			ref = rel
		}
		return m.store.Load(ref)
	}
	return m.store.Get(ref)
}

// List returns tasks matching f.
func (m *Manager) List(f Filter) ([]*Task, error) {
	return m.store.List(f)
}

// mutate applies fn to the latest copy of a task under its lock, saves it
// and publishes kind.
func (m *Manager) mutate(id, actor string, kind events.EventType, fn func(t *Task, now time.Time) (note string, err error)) (*Task, error) {
	unlock := m.lock(id)
	defer unlock()

	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	now := m.now()
	note, err := fn(t, now)
	if err != nil {
		return nil, err
	}
	t.record(now, strings.TrimPrefix(string(kind), "task:"), actor, prev, note)
	if err := m.store.Save(t); err != nil {
		return nil, err
	}
	m.publish(kind, t, prev, actor, note)
	return t, nil
}

func transitionError(t *Task, action string) error {
	return fmt.Errorf("%w: cannot %s task %s in status %s", ErrInvalidTransition, action, t.ID, t.Status)
}

func checkLoop(t *Task, member string) error {
	if strings.TrimSpace(member) == "" {
		return fmt.Errorf("%w: member is required", ErrInvalidArgument)
	}
	if t.InChain(member) {
		return fmt.Errorf("%w: %s already in chain %v of task %s", ErrDelegationLoop, member, t.DelegationChain, t.ID)
	}
	return nil
}

// Assign attaches an open task to member and appends member to the
// delegation chain. A member already in the chain is rejected with
// ErrDelegationLoop and the chain is left unchanged.
func (m *Manager) Assign(id, member, actor string) (*Task, error) {
	return m.mutate(id, actor, events.EventTaskAssigned, func(t *Task, _ time.Time) (string, error) {
		if t.Status != StatusOpen {
			return "", transitionError(t, "assign")
		}
		if err := checkLoop(t, member); err != nil {
			return "", err
		}
		t.DelegationChain = append(t.DelegationChain, member)
		t.Assignee = member
		return "", nil
	})
}

// Accept moves a task from open to in_progress. Only the assignee may
// accept an assigned task.
func (m *Manager) Accept(id, member string) (*Task, error) {
	return m.mutate(id, member, events.EventTaskAccepted, func(t *Task, now time.Time) (string, error) {
		if t.Status != StatusOpen {
			return "", transitionError(t, "accept")
		}
		if t.Assignee == "" {
			if err := checkLoop(t, member); err != nil {
				return "", err
			}
			t.DelegationChain = append(t.DelegationChain, member)
			t.Assignee = member
		} else if member != "" && member != t.Assignee {
			return "", fmt.Errorf("%w: %s is assigned to %s", ErrNotAssignee, t.ID, t.Assignee)
		}
		t.Status = StatusInProgress
		t.AcceptedAt = &now
		return "", nil
	})
}

// Delegate re-assigns an open or in-progress task from its assignee to to.
// The loop check covers the whole chain, not just the current assignee.
// The status is left unchanged.
func (m *Manager) Delegate(id, from, to string) (*Task, error) {
	return m.mutate(id, from, events.EventTaskDelegated, func(t *Task, _ time.Time) (string, error) {
		if t.Status != StatusOpen && t.Status != StatusInProgress {
			return "", transitionError(t, "delegate")
		}
		if from != "" && t.Assignee != "" && from != t.Assignee {
			return "", fmt.Errorf("%w: %s is assigned to %s", ErrNotAssignee, t.ID, t.Assignee)
		}
		if err := checkLoop(t, to); err != nil {
			return "", err
		}
		t.DelegationChain = append(t.DelegationChain, to)
		t.Assignee = to
		return "delegated to " + to, nil
	})
}

// BlockRequest describes why a task cannot progress.
type BlockRequest struct {
	Member    string   `json:"member,omitempty"`
	Reason    string   `json:"reason"`
	Questions []string `json:"questions,omitempty"`
	Urgency   Urgency  `json:"urgency,omitempty"`
}

// Block moves an in-progress task to blocked.
func (m *Manager) Block(id string, req BlockRequest) (*Task, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: reason is required", ErrInvalidArgument)
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyNormal
	}
	if !req.Urgency.valid() {
		return nil, fmt.Errorf("%w: urgency %q", ErrInvalidArgument, req.Urgency)
	}
	return m.mutate(id, req.Member, events.EventTaskBlocked, func(t *Task, now time.Time) (string, error) {
		if t.Status != StatusInProgress {
			return "", transitionError(t, "block")
		}
		t.Status = StatusBlocked
		t.Blocker = &Blocker{
			Reason:    req.Reason,
			Questions: req.Questions,
			Urgency:   req.Urgency,
			By:        req.Member,
			At:        now,
		}
		return req.Reason, nil
	})
}

// Unblock returns a blocked task to in_progress. The validation attempt
// counter restarts.
func (m *Manager) Unblock(id, note, actor string) (*Task, error) {
	return m.mutate(id, actor, events.EventTaskUnblocked, func(t *Task, _ time.Time) (string, error) {
		if t.Status != StatusBlocked {
			return "", transitionError(t, "unblock")
		}
		t.Status = StatusInProgress
		t.Blocker = nil
		t.ValidationAttempts = 0
		return note, nil
	})
}

// CompleteRequest carries the result of a task.
type CompleteRequest struct {
	Member  string          `json:"member,omitempty"`
	Summary string          `json:"summary"`
	Output  json.RawMessage `json:"output,omitempty"`
	// SkipGates bypasses the quality gate. Schema validation still applies.
	SkipGates bool `json:"skipGates,omitempty"`
}

// Complete moves an in-progress task to done. When the task declares an
// output schema the output must validate; each failure is counted and
// returned as a *ValidationError, and once the retries are exhausted the
// task is blocked instead. A failing quality gate returns a *GateError and
// leaves the task untouched.
func (m *Manager) Complete(ctx context.Context, id string, req CompleteRequest) (*Task, error) {
	if strings.TrimSpace(req.Summary) == "" {
		return nil, fmt.Errorf("%w: summary is required", ErrInvalidArgument)
	}

	unlock := m.lock(id)
	defer unlock()

	t, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusInProgress {
		return nil, transitionError(t, "complete")
	}
	if req.Member != "" && t.Assignee != "" && req.Member != t.Assignee {
		return nil, fmt.Errorf("%w: %s is assigned to %s", ErrNotAssignee, t.ID, t.Assignee)
	}

	var output any
	if t.OutputSchema != "" {
		sch, err := compileSchema(t.OutputSchema)
		if err != nil {
			return nil, err
		}
		var failures []string
		output, failures = validateOutput(sch, req.Output)
		if len(failures) > 0 {
			return nil, m.rejectOutput(t, req.Member, failures)
		}
	} else if len(req.Output) > 0 {
		if err := json.Unmarshal(req.Output, &output); err != nil {
			return nil, fmt.Errorf("%w: output is not valid JSON: %w", ErrInvalidArgument, err)
		}
	}

	if m.gate != nil && !req.SkipGates {
		if err := m.gate.Check(ctx, t, req.Summary); err != nil {
			slog.Warn("tasks: quality gate rejected completion", "id", t.ID, "error", err)
			return nil, err
		}
	}

	now := m.now()
	prev := t.Status
	t.Status = StatusDone
	t.Summary = req.Summary
	t.Output = output
	t.CompletedAt = &now
	t.Blocker = nil
	t.record(now, "completed", req.Member, prev, "")
	if err := m.store.Save(t); err != nil {
		return nil, err
	}
	slog.Info("tasks: completed", "id", t.ID, "assignee", t.Assignee)
	m.publish(events.EventTaskCompleted, t, prev, req.Member, "")
	return t, nil
}

// rejectOutput records a failed validation attempt, blocking the task once
// the retry budget is spent. The caller holds the task lock.
func (m *Manager) rejectOutput(t *Task, member string, failures []string) error {
	now := m.now()
	prev := t.Status
	t.ValidationAttempts++
	verr := &ValidationError{
		TaskID:      t.ID,
		Failures:    failures,
		Attempt:     t.ValidationAttempts,
		RetriesLeft: m.maxRetries - (t.ValidationAttempts - 1),
	}
	if verr.RetriesLeft <= 0 {
		verr.RetriesLeft = 0
		verr.Blocked = true
		reason := fmt.Sprintf("output failed validation %d times", t.ValidationAttempts)
		t.Status = StatusBlocked
		t.Blocker = &Blocker{
			Reason:    reason,
			Questions: failures,
			Urgency:   UrgencyHigh,
			By:        member,
			At:        now,
		}
		t.record(now, "blocked", member, prev, reason)
	} else {
		t.record(now, "validation_failed", member, prev, strings.Join(failures, "; "))
	}

	if err := m.store.Save(t); err != nil {
		return errors.Join(verr, err)
	}
	m.publish(events.EventTaskValidationFailed, t, prev, member, strings.Join(failures, "; "))
	if verr.Blocked {
		slog.Warn("tasks: blocked after repeated validation failures", "id", t.ID, "attempts", t.ValidationAttempts)
		m.publish(events.EventTaskBlocked, t, prev, member, t.Blocker.Reason)
	}
	return verr
}

func (m *Manager) publish(kind events.EventType, t *Task, prev Status, actor, reason string) {
	if m.bus == nil {
		return
	}
	p := events.TaskEventPayload{
		Kind:            kind,
		TaskID:          t.ID,
		Title:           t.Title,
		Milestone:       t.Milestone,
		Status:          string(t.Status),
		PreviousStatus:  string(prev),
		Assignee:        t.Assignee,
		Actor:           actor,
		DelegationChain: append([]string(nil), t.DelegationChain...),
		Reason:          reason,
	}
	if t.Blocker != nil {
		p.Urgency = string(t.Blocker.Urgency)
	}
	m.bus.Publish(events.NewTypedEvent(events.SourceTasks, p))
}
