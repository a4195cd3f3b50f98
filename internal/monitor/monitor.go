// Package monitor infers what each agent is doing by polling its terminal.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/teams"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// ErrCycleAbandoned is returned when a cycle exceeds its timeout. Nothing
// from an abandoned cycle is written.
var ErrCycleAbandoned = errors.New("monitor cycle abandoned")

// Options tunes the monitor. Zero values fall back to defaults.
type Options struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	CaptureLines int
	CaptureBytes int
	Patterns     Patterns
	Clock        clock.WithTicker
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Changed   int           `json:"changed"`
	Gone      int           `json:"gone"`
	Failed    int           `json:"failed"`
	Abandoned bool          `json:"abandoned,omitempty"`
}

// Monitor polls every active member's session on a fixed interval.
type Monitor struct {
	store teams.Store
	sup   tmux.Supervisor
	bus   events.Publisher
	clock clock.WithTicker
	opts  Options

	cycleMu   sync.Mutex
	snapshots map[string]string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   *CycleReport
}

// New creates a Monitor.
func New(store teams.Store, sup tmux.Supervisor, bus events.Publisher, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 120 * time.Second
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 6 * time.Second
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = 20
	}
	if opts.CaptureBytes <= 0 {
		opts.CaptureBytes = 512
	}
	if opts.Patterns == nil {
		opts.Patterns = DefaultPatterns()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Monitor{
		store:     store,
		sup:       sup,
		bus:       bus,
		clock:     opts.Clock,
		opts:      opts,
		snapshots: make(map[string]string),
	}
}

// Start begins polling in a background goroutine. The first cycle runs
// immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := m.clock.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.tick(loopCtx)
		for {
			select {
			case <-ticker.C():
				m.tick(loopCtx)
			case <-loopCtx.Done():
				return
			}
		}
	}()
	slog.Info("monitor: started", "interval", m.opts.Interval, "cycle_timeout", m.opts.CycleTimeout)
}

// tick runs one cycle detached from loop cancellation so that Stop lets an
// in-flight cycle finish within its own timeout.
func (m *Monitor) tick(loopCtx context.Context) {
	if loopCtx.Err() != nil {
		return
	}
	if _, err := m.RunCycle(context.WithoutCancel(loopCtx)); err != nil {
		slog.Warn("monitor: cycle failed", "error", err)
	}
}

// Stop halts polling and waits for the in-flight cycle, if any.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("monitor: stopped")
}

// LastCycle returns the report of the most recent cycle, or nil.
func (m *Monitor) LastCycle() *CycleReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

type target struct {
	teamID string
	member teams.Member
}

func (t target) key() string { return t.teamID + "/" + t.member.ID }

type pending struct {
	target   target
	patch    teams.MemberPatch
	snapshot *string
}

// RunCycle performs one poll: probe every session under the cycle timeout,
// then apply the resulting patches. Cycles never overlap.
func (m *Monitor) RunCycle(ctx context.Context) (CycleReport, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := m.clock.Now()
	report := CycleReport{StartedAt: start}

	agents, orc, err := m.load()
	if err != nil {
		report.Failed++
		m.record(report)
		return report, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.CycleTimeout)
	defer cancel()

	var work []pending
	for _, t := range agents {
		if probeCtx.Err() != nil {
			break
		}
		report.Checked++
		p, gone, ok := m.probeAgent(probeCtx, t, start)
		if gone {
			report.Gone++
		}
		if !ok {
			if probeCtx.Err() == nil {
				report.Failed++
			}
			continue
		}
		if p != nil {
			work = append(work, *p)
		}
	}
	if orc != nil && probeCtx.Err() == nil {
		report.Checked++
		if p, ok := m.probeOrchestrator(probeCtx, *orc); ok && p != nil {
			work = append(work, *p)
		}
	}

	if probeCtx.Err() != nil {
		report.Abandoned = true
		report.Duration = m.clock.Since(start)
		m.record(report)
		slog.Warn("monitor: cycle abandoned", "timeout", m.opts.CycleTimeout, "checked", report.Checked)
		return report, ErrCycleAbandoned
	}

	for _, p := range work {
		changed, err := m.apply(p)
		if err != nil {
			report.Failed++
			continue
		}
		if changed {
			report.Changed++
		}
	}

	report.Duration = m.clock.Since(start)
	m.record(report)
	slog.Debug("monitor: cycle done", "checked", report.Checked, "changed", report.Changed, "gone", report.Gone, "failed", report.Failed)
	return report, nil
}

func (m *Monitor) record(r CycleReport) {
	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
}

func (m *Monitor) load() ([]target, *teams.Member, error) {
	list, err := m.store.ListTeams()
	if err != nil {
		return nil, nil, err
	}
	var out []target
	for _, t := range list {
		for _, mem := range t.Members {
			if mem.AgentStatus == teams.AgentActive && mem.SessionName != "" {
				out = append(out, target{teamID: t.ID, member: mem})
			}
		}
	}
	orc, err := m.store.Orchestrator()
	if err != nil {
		slog.Warn("monitor: orchestrator unavailable", "error", err)
		orc = nil
	}
	if orc != nil && orc.SessionName == "" {
		orc = nil
	}
	return out, orc, nil
}

// previous returns the last snapshot seen for t, seeded from storage.
func (m *Monitor) previous(t target) string {
	if s, ok := m.snapshots[t.key()]; ok {
		return s
	}
	return t.member.LastTerminalOutput
}

// probeAgent classifies one member. ok is false when the member could not be
// probed; gone reports that its session no longer exists.
func (m *Monitor) probeAgent(ctx context.Context, t target, now time.Time) (p *pending, gone, ok bool) {
	name := t.member.SessionName
	exists, err := m.sup.SessionExists(ctx, name)
	if err != nil && !tmux.IsGone(err) {
		slog.Warn("monitor: session check failed", "session", name, "error", err)
		return nil, false, false
	}
	if ctx.Err() != nil {
		return nil, false, false
	}

	if err == nil && exists {
		out, cerr := m.sup.CapturePane(ctx, name, m.opts.CaptureLines)
		switch {
		case cerr == nil:
			snapshot := tmux.TruncateFront(normalize(out), m.opts.CaptureBytes)
			cls := Classify(snapshot, m.previous(t), m.opts.Patterns)
			status := cls.WorkingStatus()
			pend := &pending{target: t, snapshot: &snapshot}
			if status != t.member.WorkingStatus {
				pend.patch = teams.MemberPatch{
					WorkingStatus:      teams.Ptr(status),
					LastActivityCheck:  teams.Ptr(now),
					LastTerminalOutput: teams.Ptr(snapshot),
				}
			}
			return pend, false, true
		case ctx.Err() != nil:
			return nil, false, false
		case !tmux.IsGone(cerr):
			slog.Warn("monitor: capture failed", "session", name, "error", cerr)
			return nil, false, false
		}
	}

	// The session is gone: idle, no snapshot. AgentStatus stays as registered.
	empty := ""
	pend := &pending{target: t, snapshot: &empty}
	if t.member.WorkingStatus != teams.WorkingIdle || t.member.LastTerminalOutput != "" {
		pend.patch = teams.MemberPatch{
			WorkingStatus:      teams.Ptr(teams.WorkingIdle),
			LastActivityCheck:  teams.Ptr(now),
			LastTerminalOutput: teams.Ptr(""),
		}
	}
	slog.Debug("monitor: session gone", "session", name, "member", t.member.ID)
	return pend, true, true
}

// probeOrchestrator maps session existence onto the orchestrator's
// AgentStatus. An activating orchestrator is left for registration to finish.
func (m *Monitor) probeOrchestrator(ctx context.Context, orc teams.Member) (*pending, bool) {
	if orc.AgentStatus == teams.AgentActivating {
		return nil, true
	}
	exists, err := m.sup.SessionExists(ctx, orc.SessionName)
	if err != nil && !tmux.IsGone(err) {
		slog.Warn("monitor: orchestrator check failed", "session", orc.SessionName, "error", err)
		return nil, false
	}
	if ctx.Err() != nil {
		return nil, false
	}
	want := teams.AgentInactive
	if err == nil && exists {
		want = teams.AgentActive
	}
	if want == orc.AgentStatus {
		return nil, true
	}
	return &pending{
		target: target{member: orc},
		patch: teams.MemberPatch{
			AgentStatus:     teams.Ptr(want),
			KeepAgentStatus: []teams.AgentStatus{teams.AgentActivating},
		},
	}, true
}

// apply writes one patch and publishes the resulting transitions. It reports
// whether a status of the persisted member changed.
func (m *Monitor) apply(p pending) (bool, error) {
	t := p.target
	if p.snapshot != nil {
		m.snapshots[t.key()] = *p.snapshot
	}
	if p.patch.Empty() {
		return false, nil
	}

	var before, after teams.Member
	var err error
	if t.teamID == "" && t.member.ID == teams.OrchestratorID {
		before, after, err = m.store.MergeOrchestrator(p.patch)
	} else {
		before, after, err = m.store.MergeMember(t.teamID, t.member.ID, p.patch)
	}
	if err != nil {
		slog.Warn("monitor: merge failed", "team", t.teamID, "member", t.member.ID, "error", err)
		return false, err
	}
	if m.bus != nil {
		for _, e := range teams.TransitionEvents(events.SourceMonitor, t.teamID, before, after) {
			m.bus.Publish(e)
		}
	}
	return before.AgentStatus != after.AgentStatus || before.WorkingStatus != after.WorkingStatus, nil
}
