// Package scheduler fires scheduled messages and check-ins into tmux sessions.
//
// Every firing, timer-driven or manual, goes through one FIFO queue drained
// by a single worker, so no two deliveries ever interleave.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dohr-michael/conductor/internal/deliveries"
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// DeliveryLog records delivery attempts.
type DeliveryLog interface {
	Append(ctx context.Context, e deliveries.Entry) (deliveries.Entry, error)
}

// Config holds dependencies for the scheduler.
type Config struct {
	Messages   *MessageStore
	CheckIns   *CheckInStore
	Deliveries DeliveryLog
	Supervisor tmux.Supervisor
	Resolver   Resolver
	Bus        events.Publisher // optional
	Clock      clock.WithDelayedExecution

	// SettleDelay is waited after each send before the next queue item.
	SettleDelay time.Duration
	// ContinuationHint is appended to check-ins and recurring messages.
	// Empty disables it.
	ContinuationHint string
}

// Filter narrows List calls. Zero fields match everything.
type Filter struct {
	Target     string
	ActiveOnly bool
}

// Scheduler owns the live timers of every active schedule.
type Scheduler struct {
	messages *MessageStore
	checkIns *CheckInStore
	log      DeliveryLog
	sup      tmux.Supervisor
	resolver Resolver
	bus      events.Publisher
	clock    clock.WithDelayedExecution
	settle   time.Duration
	hint     string

	queue *queue

	// mu guards timers, gens and regs. Timer callbacks never take it.
	mu     sync.Mutex
	timers map[string]clock.Timer
	gens   map[string]uint64
	regs   map[string]uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. Call Start to re-arm persisted schedules and
// begin draining the queue.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Scheduler{
		messages: cfg.Messages,
		checkIns: cfg.CheckIns,
		log:      cfg.Deliveries,
		sup:      cfg.Supervisor,
		resolver: cfg.Resolver,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
		settle:   cfg.SettleDelay,
		hint:     cfg.ContinuationHint,
		queue:    newQueue(),
		timers:   make(map[string]clock.Timer),
		gens:     make(map[string]uint64),
		regs:     make(map[string]uint64),
	}
}

// Start re-arms every persisted active schedule and starts the worker.
// Schedules whose fire time has passed are queued immediately. A persisted
// schedule with an invalid delay unit is a fatal configuration error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}

	msgs, err := s.messages.List()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !m.IsActive {
			continue
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("schedule %s: %w", m.ID, err)
		}
	}
	checks, err := s.checkIns.List()
	if err != nil {
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	armed, overdue := 0, 0
	for _, m := range msgs {
		if !m.IsActive {
			continue
		}
		at := m.CreatedAt.Add(m.delay())
		if m.NextRun != nil {
			at = *m.NextRun
		}
		if s.armLocked(job{kind: kindMessage, id: m.ID}, at, now) {
			overdue++
		}
		armed++
	}
	for _, c := range checks {
		if !c.IsActive {
			continue
		}
		if s.armLocked(job{kind: kindCheckIn, id: c.ID}, c.FireAt, now) {
			overdue++
		}
		armed++
	}
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.work(loopCtx)

	slog.Info("scheduler: started", "armed", armed, "overdue", overdue)
	return nil
}

// Stop cancels every live timer and waits for the queue item in progress.
// Queued firings are dropped; persisted schedules stay active and the next
// Start fires the overdue ones.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()

	s.mu.Lock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
		s.gens[key]++
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("scheduler: stopped", "dropped", s.queue.clear())
}

// LiveTimers returns the number of armed timers.
func (s *Scheduler) LiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Pending returns the number of queued firings not yet processed.
func (s *Scheduler) Pending() int {
	return s.queue.len()
}

// armLocked cancels any timer for j and sets a new one firing at at. A fire
// time not after now is queued directly; armLocked then reports true.
func (s *Scheduler) armLocked(j job, at, now time.Time) bool {
	key := j.key()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	s.gens[key]++
	j.gen = s.gens[key]
	j.reg = s.regs[key]

	if !at.After(now) {
		s.queue.push(j)
		return true
	}
	s.timers[key] = s.clock.AfterFunc(at.Sub(now), func() {
		s.queue.push(j)
	})
	return false
}

func (s *Scheduler) disarmLocked(key string) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	s.gens[key]++
}

// Schedule validates and persists m, then arms its timer. Scheduling an
// existing id replaces its timer.
func (s *Scheduler) Schedule(m *ScheduledMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	if m.ID != "" {
		if prev, err := s.messages.Get(m.ID); err == nil {
			m.CreatedAt = prev.CreatedAt
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.IsActive = true
	m.RunCount = 0
	m.LastRun = nil
	next := s.firstRun(m, now)
	m.NextRun = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.messages.Save(m); err != nil {
		return err
	}
	j := job{kind: kindMessage, id: m.ID}
	s.regs[j.key()]++
	s.armLocked(j, next, now)
	slog.Info("scheduler: scheduled", "id", m.ID, "target", m.TargetTeam, "next_run", next, "recurring", m.IsRecurring)
	return nil
}

func (s *Scheduler) firstRun(m *ScheduledMessage, now time.Time) time.Time {
	if m.CronSpec != "" {
		if expr, err := ParseCron(m.CronSpec); err == nil {
			return expr.Next(now)
		}
	}
	return now.Add(m.delay())
}

// ScheduleCheckIn arms a reminder for targetSession in minutes. A recurring
// check-in repeats every minutes until cancelled or maxOccurrences is hit.
func (s *Scheduler) ScheduleCheckIn(targetSession string, minutes int, message string, recurring bool, maxOccurrences int) (*CheckIn, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: minutes must be positive", ErrInvalidSchedule)
	}
	now := s.clock.Now()
	c := &CheckIn{
		TargetSession:  targetSession,
		Message:        message,
		FireAt:         now.Add(time.Duration(minutes) * time.Minute),
		MaxOccurrences: maxOccurrences,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if recurring {
		c.IntervalMinutes = minutes
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIns.Save(c); err != nil {
		return nil, err
	}
	s.armLocked(job{kind: kindCheckIn, id: c.ID}, c.FireAt, now)
	slog.Info("scheduler: check-in scheduled", "id", c.ID, "session", targetSession, "fire_at", c.FireAt, "recurring", recurring)
	return c, nil
}

// lookup finds which store holds id.
func (s *Scheduler) lookup(id string) (jobKind, error) {
	if _, err := s.messages.Get(id); err == nil {
		return kindMessage, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if _, err := s.checkIns.Get(id); err == nil {
		return kindCheckIn, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Cancel clears the live timer of id and deactivates it before returning.
// A firing already queued still completes but never re-arms. Cancelling an
// inactive schedule is a no-op.
func (s *Scheduler) Cancel(id string) error {
	kind, err := s.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(job{kind: kind, id: id}.key())

	now := s.clock.Now()
	switch kind {
	case kindMessage:
		m, err := s.messages.Get(id)
		if err != nil {
			return err
		}
		if !m.IsActive {
			return nil
		}
		m.IsActive = false
		m.NextRun = nil
		m.UpdatedAt = now
		err = s.messages.Save(m)
		if err == nil {
			slog.Info("scheduler: cancelled", "id", id)
		}
		return err
	default:
		c, err := s.checkIns.Get(id)
		if err != nil {
			return err
		}
		if !c.IsActive {
			return nil
		}
		c.IsActive = false
		c.UpdatedAt = now
		err = s.checkIns.Save(c)
		if err == nil {
			slog.Info("scheduler: check-in cancelled", "id", id)
		}
		return err
	}
}

// Activate re-arms an inactive scheduled message from now.
func (s *Scheduler) Activate(id string) error {
	m, err := s.messages.Get(id)
	if err != nil {
		return err
	}
	if m.IsActive {
		return nil
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.MaxOccurrences > 0 && m.RunCount >= m.MaxOccurrences {
		return fmt.Errorf("%w: %s already ran %d of %d times", ErrInvalidSchedule, id, m.RunCount, m.MaxOccurrences)
	}

	now := s.clock.Now()
	next := s.firstRun(m, now)
	m.IsActive = true
	m.NextRun = &next
	m.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.messages.Save(m); err != nil {
		return err
	}
	s.armLocked(job{kind: kindMessage, id: id}, next, now)
	return nil
}

// Delete cancels and removes a schedule or check-in.
func (s *Scheduler) Delete(id string) error {
	kind, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(job{kind: kind, id: id}.key())
	if kind == kindMessage {
		return s.messages.Delete(id)
	}
	return s.checkIns.Delete(id)
}

// RunNow queues an immediate firing of id, bypassing its timer. The firing
// counts as an occurrence; a recurring schedule keeps its current timer.
func (s *Scheduler) RunNow(id string) error {
	kind, err := s.lookup(id)
	if err != nil {
		return err
	}
	j := job{kind: kind, id: id, manual: true}
	s.mu.Lock()
	j.reg = s.regs[j.key()]
	s.mu.Unlock()
	s.queue.push(j)
	return nil
}

// ListMessages returns scheduled messages matching f.
func (s *Scheduler) ListMessages(f Filter) ([]*ScheduledMessage, error) {
	list, err := s.messages.List()
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, m := range list {
		if f.ActiveOnly && !m.IsActive {
			continue
		}
		if f.Target != "" && m.TargetTeam != f.Target {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListCheckIns returns check-ins matching f.
func (s *Scheduler) ListCheckIns(f Filter) ([]*CheckIn, error) {
	list, err := s.checkIns.List()
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, c := range list {
		if f.ActiveOnly && !c.IsActive {
			continue
		}
		if f.Target != "" && c.TargetSession != f.Target {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetMessage reads one scheduled message.
func (s *Scheduler) GetMessage(id string) (*ScheduledMessage, error) {
	return s.messages.Get(id)
}

// GetCheckIn reads one check-in.
func (s *Scheduler) GetCheckIn(id string) (*CheckIn, error) {
	return s.checkIns.Get(id)
}

// work drains the queue, one job at a time.
func (s *Scheduler) work(ctx context.Context) {
	defer close(s.done)
	for {
		j, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.queue.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		s.process(context.WithoutCancel(ctx), j)
		if ctx.Err() != nil {
			return
		}
	}
}

// delivery is a firing resolved to text and sessions.
type delivery struct {
	scheduleID string
	target     string
	text       string
	sessions   []string
	resolveErr error
	runCount   int
}

func (s *Scheduler) process(ctx context.Context, j job) {
	var d delivery
	switch j.kind {
	case kindMessage:
		m, err := s.messages.Get(j.id)
		if err != nil {
			slog.Warn("scheduler: dropped firing", "id", j.id, "error", err)
			return
		}
		d = delivery{scheduleID: m.ID, target: m.TargetTeam, text: m.Message, runCount: m.RunCount + 1}
		if m.IsRecurring {
			d.text = s.withHint(d.text)
		}
		d.sessions, d.resolveErr = s.resolver.Targets(m.TargetTeam)
	case kindCheckIn:
		c, err := s.checkIns.Get(j.id)
		if err != nil {
			slog.Warn("scheduler: dropped firing", "id", j.id, "error", err)
			return
		}
		d = delivery{scheduleID: c.ID, target: c.TargetSession, text: s.withHint(c.Message), runCount: c.RunCount + 1}
		var name string
		name, d.resolveErr = s.resolver.Session(c.TargetSession)
		if d.resolveErr == nil {
			d.sessions = []string{name}
		}
	}

	s.publish(events.ScheduleFiredPayload{
		ScheduleID: d.scheduleID,
		Kind:       string(j.kind),
		Target:     d.target,
		RunCount:   d.runCount,
		Manual:     j.manual,
	}, "")

	s.deliver(ctx, j.kind, d)
	s.finish(j)
}

func (s *Scheduler) withHint(text string) string {
	if s.hint == "" || strings.Contains(text, s.hint) {
		return text
	}
	return text + " " + s.hint
}

// deliver sends d to each of its sessions and records every attempt.
// Failures are logged and recorded, never returned.
func (s *Scheduler) deliver(ctx context.Context, kind jobKind, d delivery) {
	if d.resolveErr != nil {
		slog.Warn("scheduler: target unresolved", "id", d.scheduleID, "target", d.target, "error", d.resolveErr)
		s.record(ctx, kind, d.scheduleID, d.target, d.text, d.resolveErr)
		return
	}
	for _, name := range d.sessions {
		err := s.sup.SendMessage(ctx, name, d.text)
		if err != nil {
			slog.Warn("scheduler: delivery failed", "id", d.scheduleID, "session", name, "error", err)
		} else {
			slog.Info("scheduler: delivered", "id", d.scheduleID, "session", name)
		}
		s.record(ctx, kind, d.scheduleID, name, d.text, err)
		s.pause(ctx)
	}
}

func (s *Scheduler) record(ctx context.Context, kind jobKind, scheduleID, target, text string, sendErr error) {
	entry := deliveries.Entry{
		ScheduleID: scheduleID,
		Kind:       string(kind),
		Target:     target,
		Message:    text,
		Success:    sendErr == nil,
		SentAt:     s.clock.Now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if s.log != nil {
		if _, err := s.log.Append(ctx, entry); err != nil {
			slog.Error("scheduler: delivery log write failed", "id", scheduleID, "error", err)
		}
	}
	s.publish(events.MessageDeliveredPayload{
		ScheduleID: scheduleID,
		Target:     target,
		Success:    entry.Success,
		Error:      entry.Error,
	}, target)
}

// pause waits the settle delay on the wall clock so the receiving session
// has consumed the input before the next item is sent.
func (s *Scheduler) pause(ctx context.Context) {
	if s.settle <= 0 {
		return
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *Scheduler) publish(p events.EventPayload, session string) {
	if s.bus == nil {
		return
	}
	if session != "" {
		s.bus.Publish(events.NewTypedEventWithSession(events.SourceScheduler, p, session))
		return
	}
	s.bus.Publish(events.NewTypedEvent(events.SourceScheduler, p))
}

// finish counts the firing and applies the recurrence rules. The timer is
// only re-armed when no Cancel or re-schedule happened since j was queued.
// A firing queued before the schedule was registered again leaves the new
// registration untouched.
func (s *Scheduler) finish(j job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := j.key()
	if j.reg != s.regs[key] {
		slog.Debug("scheduler: firing predates re-registration", "id", j.id)
		return
	}
	current := !j.manual && s.gens[key] == j.gen
	now := s.clock.Now()

	switch j.kind {
	case kindMessage:
		m, err := s.messages.Get(j.id)
		if err != nil {
			slog.Warn("scheduler: schedule vanished while firing", "id", j.id, "error", err)
			return
		}
		m.RunCount++
		m.LastRun = &now
		m.UpdatedAt = now
		if j.manual || current {
			t := advance(messagePlan(m), now)
			switch {
			case t.Outcome == Deactivated:
				m.IsActive = false
				m.NextRun = nil
				s.disarmLocked(key)
			case current:
				m.NextRun = &t.Next
				s.armLocked(job{kind: kindMessage, id: m.ID}, t.Next, now)
			}
		}
		if err := s.messages.Save(m); err != nil {
			slog.Error("scheduler: save after firing failed", "id", m.ID, "error", err)
		}
	case kindCheckIn:
		c, err := s.checkIns.Get(j.id)
		if err != nil {
			slog.Warn("scheduler: check-in vanished while firing", "id", j.id, "error", err)
			return
		}
		c.RunCount++
		c.LastRun = &now
		c.UpdatedAt = now
		if j.manual || current {
			t := advance(checkInPlan(c), now)
			switch {
			case t.Outcome == Deactivated:
				c.IsActive = false
				s.disarmLocked(key)
			case current:
				c.FireAt = t.Next
				s.armLocked(job{kind: kindCheckIn, id: c.ID}, t.Next, now)
			}
		}
		if err := s.checkIns.Save(c); err != nil {
			slog.Error("scheduler: save after firing failed", "id", c.ID, "error", err)
		}
	}
}

// NextFirings returns the upcoming fire times of active schedules, soonest
// first.
func (s *Scheduler) NextFirings() ([]Firing, error) {
	msgs, err := s.ListMessages(Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	checks, err := s.ListCheckIns(Filter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	out := make([]Firing, 0, len(msgs)+len(checks))
	for _, m := range msgs {
		if m.NextRun != nil {
			out = append(out, Firing{ID: m.ID, Kind: string(kindMessage), Target: m.TargetTeam, At: *m.NextRun})
		}
	}
	for _, c := range checks {
		out = append(out, Firing{ID: c.ID, Kind: string(kindCheckIn), Target: c.TargetSession, At: c.FireAt})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].At.Before(out[k].At) })
	return out, nil
}

// Firing is one upcoming delivery.
type Firing struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Target string    `json:"target"`
	At     time.Time `json:"at"`
}
