package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"github.com/dohr-michael/conductor/internal/deliveries"
	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/teams"
	"github.com/dohr-michael/conductor/internal/tmux/tmuxtest"
)

const testHint = "Then resume your previous work."

type harness struct {
	s     *Scheduler
	clock *testclock.FakeClock
	tmux  *tmuxtest.Fake
	log   *deliveries.Log
	bus   *events.Bus
	teams *teams.FileStore
	dir   string
}

func newHarness(t *testing.T, sessions ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	log, err := deliveries.Open(filepath.Join(dir, "deliveries.db"))
	if err != nil {
		t.Fatalf("open delivery log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	roster := teams.NewFileStore(dir, "conductor-orc")
	h := &harness{
		clock: testclock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		tmux:  tmuxtest.New(sessions...),
		log:   log,
		bus:   bus,
		teams: roster,
		dir:   dir,
	}
	h.s = h.build()
	return h
}

func (h *harness) build() *Scheduler {
	return New(Config{
		Messages:         NewMessageStore(filepath.Join(h.dir, "schedules")),
		CheckIns:         NewCheckInStore(filepath.Join(h.dir, "checkins")),
		Deliveries:       h.log,
		Supervisor:       h.tmux,
		Resolver:         TeamResolver{Store: h.teams, Alias: "orchestrator"},
		Bus:              h.bus,
		Clock:            h.clock,
		ContinuationHint: testHint,
	})
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.s.Stop)
}

func (h *harness) entries(t *testing.T, scheduleID string) []deliveries.Entry {
	t.Helper()
	list, err := h.log.List(context.Background(), deliveries.Filter{ScheduleID: scheduleID})
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	return list
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) message(t *testing.T, id string) *ScheduledMessage {
	t.Helper()
	m, err := h.s.GetMessage(id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	return m
}

func TestOneOffFiresOnceThenDeactivates(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 5, DelayUnit: UnitMinutes, Message: "status?"}
	if err := h.s.Schedule(m); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if n := h.s.LiveTimers(); n != 1 {
		t.Fatalf("expected 1 live timer, got %d", n)
	}

	h.clock.Step(4 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := h.tmux.Sent("dev-1"); len(got) != 0 {
		t.Fatalf("expected nothing sent before the delay, got %v", got)
	}

	h.clock.Step(time.Minute)
	waitFor(t, "deactivation", func() bool { return !h.message(t, m.ID).IsActive })

	sent := h.tmux.Sent("dev-1")
	if len(sent) != 1 || sent[0] != "status?" {
		t.Fatalf("expected one delivery without hint, got %q", sent)
	}
	entries := h.entries(t, m.ID)
	if len(entries) != 1 || !entries[0].Success {
		t.Fatalf("expected one successful log entry, got %+v", entries)
	}
	got := h.message(t, m.ID)
	if got.RunCount != 1 || got.NextRun != nil || got.LastRun == nil {
		t.Errorf("unexpected bookkeeping after firing: %+v", got)
	}
	if n := h.s.LiveTimers(); n != 0 {
		t.Errorf("expected no live timer, got %d", n)
	}

	if err := h.s.Cancel(m.ID); err != nil {
		t.Errorf("expected cancel on fired one-off to be a no-op, got %v", err)
	}
}

func TestOneOffToMissingSessionStillEnds(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 5, DelayUnit: UnitMinutes, Message: "status?"}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	h.clock.Step(5 * time.Minute)
	waitFor(t, "deactivation", func() bool { return !h.message(t, m.ID).IsActive })

	entries := h.entries(t, m.ID)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Success || entries[0].Error == "" {
		t.Fatalf("expected failed entry with error, got %+v", entries[0])
	}

	h.clock.Step(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.entries(t, m.ID)); n != 1 {
		t.Fatalf("expected no retry, got %d entries", n)
	}
}

func TestRecurringCheckInRespectsCap(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	c, err := h.s.ScheduleCheckIn("dev-1", 5, "how is it going?", true, 3)
	if err != nil {
		t.Fatalf("schedule check-in: %v", err)
	}

	for i := 1; i <= 5; i++ {
		h.clock.Step(5 * time.Minute)
		want := min(i, 3)
		waitFor(t, "run count", func() bool {
			got, _ := h.s.GetCheckIn(c.ID)
			return got.RunCount == want
		})
	}
	time.Sleep(20 * time.Millisecond)

	sent := h.tmux.Sent("dev-1")
	if len(sent) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(sent))
	}
	if !strings.HasSuffix(sent[0], testHint) {
		t.Errorf("expected continuation hint on check-in, got %q", sent[0])
	}
	got, _ := h.s.GetCheckIn(c.ID)
	if got.IsActive {
		t.Error("expected check-in inactive after cap")
	}
	if n := h.s.LiveTimers(); n != 0 {
		t.Errorf("expected no live timer, got %d", n)
	}
}

func TestRecurringWithoutCapKeepsFiring(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 30, DelayUnit: UnitSeconds, Message: "ping", IsRecurring: true}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 4; i++ {
		h.clock.Step(30 * time.Second)
		waitFor(t, "run count", func() bool { return h.message(t, m.ID).RunCount == i })
	}
	got := h.message(t, m.ID)
	if !got.IsActive || got.NextRun == nil {
		t.Fatalf("expected still active with a next run, got %+v", got)
	}
	if !got.NextRun.Equal(h.clock.Now().Add(30 * time.Second)) {
		t.Errorf("expected next run one interval out, got %v", got.NextRun)
	}
	if sent := h.tmux.Sent("dev-1"); !strings.HasSuffix(sent[0], testHint) {
		t.Errorf("expected hint on recurring message, got %q", sent[0])
	}

	if err := h.s.Cancel(m.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if n := len(h.tmux.Sent("dev-1")); n != 4 {
		t.Errorf("expected no firing after cancel, got %d deliveries", n)
	}
}

func TestCancelDuringFiringDoesNotRearm(t *testing.T) {
	h := newHarness(t, "dev-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.tmux.OnSend = func(string, string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "ping", IsRecurring: true}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	h.clock.Step(time.Minute)
	<-entered

	if err := h.s.Cancel(m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n := h.s.LiveTimers(); n != 0 {
		t.Fatalf("expected timer cleared before cancel returned, got %d", n)
	}
	close(release)

	waitFor(t, "firing to finish", func() bool { return h.message(t, m.ID).RunCount == 1 })
	got := h.message(t, m.ID)
	if got.IsActive {
		t.Error("expected schedule to stay cancelled")
	}
	if n := h.s.LiveTimers(); n != 0 {
		t.Errorf("expected no re-armed timer, got %d", n)
	}
}

func TestReRegisterDuringFiringKeepsFreshCount(t *testing.T) {
	h := newHarness(t, "dev-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.tmux.OnSend = func(string, string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "old", IsRecurring: true, MaxOccurrences: 2}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	h.clock.Step(time.Minute)
	<-entered

	fresh := &ScheduledMessage{ID: m.ID, TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "new", IsRecurring: true, MaxOccurrences: 2}
	if err := h.s.Schedule(fresh); err != nil {
		t.Fatalf("re-schedule: %v", err)
	}
	close(release)

	waitFor(t, "old firing to be logged", func() bool { return len(h.entries(t, m.ID)) == 1 })
	time.Sleep(20 * time.Millisecond)

	got := h.message(t, m.ID)
	if got.Message != "new" || got.RunCount != 0 || got.LastRun != nil || !got.IsActive {
		t.Fatalf("expected untouched fresh registration, got message=%q runCount=%d lastRun=%v active=%v",
			got.Message, got.RunCount, got.LastRun, got.IsActive)
	}
	if n := h.s.LiveTimers(); n != 1 {
		t.Fatalf("expected the fresh timer only, got %d", n)
	}

	for i := 1; i <= 3; i++ {
		h.clock.Step(time.Minute)
		want := min(i, 2)
		waitFor(t, "run count", func() bool { return h.message(t, m.ID).RunCount == want })
	}
	time.Sleep(20 * time.Millisecond)
	if sent := h.tmux.Sent("dev-1"); len(sent) != 3 {
		t.Fatalf("expected 1 stale plus 2 fresh deliveries, got %d", len(sent))
	}
	if h.message(t, m.ID).IsActive {
		t.Error("expected fresh registration inactive after its cap")
	}
}

func TestSequentialDelivery(t *testing.T) {
	h := newHarness(t, "dev-1", "dev-2")
	h.s.settle = 10 * time.Millisecond

	var inflight, overlaps atomic.Int32
	h.tmux.OnSend = func(string, string) {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
	}
	h.start(t)

	a := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "first"}
	b := &ScheduledMessage{TargetTeam: "dev-2", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "second"}
	for _, m := range []*ScheduledMessage{a, b} {
		if err := h.s.Schedule(m); err != nil {
			t.Fatal(err)
		}
	}
	h.clock.Step(time.Minute)
	waitFor(t, "both deliveries", func() bool {
		return !h.message(t, a.ID).IsActive && !h.message(t, b.ID).IsActive
	})

	if overlaps.Load() != 0 {
		t.Fatal("expected deliveries never to overlap")
	}
	all, err := h.log.List(context.Background(), deliveries.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	// newest first
	if all[0].Seq <= all[1].Seq || all[0].SentAt.Before(all[1].SentAt) {
		t.Errorf("expected strictly ordered entries, got %+v", all)
	}
}

func TestTeamTargetFansOut(t *testing.T) {
	h := newHarness(t, "core-1", "core-2")
	if _, err := h.teams.CreateTeam("core", "", []teams.Member{
		{Name: "Ada", SessionName: "core-1"},
		{Name: "Bob", SessionName: "core-2"},
	}); err != nil {
		t.Fatal(err)
	}
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "core", DelayAmount: 1, DelayUnit: UnitSeconds, Message: "sync"}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	h.clock.Step(time.Second)
	waitFor(t, "deactivation", func() bool { return !h.message(t, m.ID).IsActive })

	for _, name := range []string{"core-1", "core-2"} {
		if sent := h.tmux.Sent(name); len(sent) != 1 {
			t.Errorf("expected one delivery to %s, got %v", name, sent)
		}
	}
	if n := len(h.entries(t, m.ID)); n != 2 {
		t.Errorf("expected one log entry per session, got %d", n)
	}
}

func TestOrchestratorAlias(t *testing.T) {
	h := newHarness(t, "conductor-orc")
	h.start(t)

	c, err := h.s.ScheduleCheckIn("orchestrator", 1, "review dev-1", false, 0)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Step(time.Minute)
	waitFor(t, "delivery", func() bool { return len(h.tmux.Sent("conductor-orc")) == 1 })

	entries := h.entries(t, c.ID)
	if len(entries) != 1 || entries[0].Target != "conductor-orc" {
		t.Fatalf("expected delivery to the orchestrator session, got %+v", entries)
	}
}

func TestRunNow(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 10, DelayUnit: UnitMinutes, Message: "ping", IsRecurring: true, MaxOccurrences: 2}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if err := h.s.RunNow(m.ID); err != nil {
		t.Fatalf("run now: %v", err)
	}
	waitFor(t, "manual run", func() bool { return h.message(t, m.ID).RunCount == 1 })

	got := h.message(t, m.ID)
	if !got.IsActive || h.s.LiveTimers() != 1 {
		t.Fatalf("expected manual run to keep the timer, got active=%v timers=%d", got.IsActive, h.s.LiveTimers())
	}

	h.clock.Step(10 * time.Minute)
	waitFor(t, "cap", func() bool { return !h.message(t, m.ID).IsActive })
	if n := len(h.tmux.Sent("dev-1")); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}

	if err := h.s.RunNow("sched_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartRearmsPersisted(t *testing.T) {
	h := newHarness(t, "dev-1")
	now := h.clock.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	store := NewMessageStore(filepath.Join(h.dir, "schedules"))
	overdue := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "late", IsActive: true, NextRun: &past, CreatedAt: now}
	later := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitHours, Message: "later", IsActive: true, NextRun: &future, CreatedAt: now}
	idle := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "off", CreatedAt: now}
	for _, m := range []*ScheduledMessage{overdue, later, idle} {
		if err := store.Save(m); err != nil {
			t.Fatal(err)
		}
	}

	h.start(t)
	waitFor(t, "overdue firing", func() bool { return !h.message(t, overdue.ID).IsActive })

	if n := h.s.LiveTimers(); n != 1 {
		t.Errorf("expected only the future schedule armed, got %d", n)
	}
	if sent := h.tmux.Sent("dev-1"); len(sent) != 1 || sent[0] != "late" {
		t.Errorf("expected only the overdue message, got %v", sent)
	}
}

func TestStartRejectsInvalidUnit(t *testing.T) {
	h := newHarness(t)
	store := NewMessageStore(filepath.Join(h.dir, "schedules"))
	bad := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: "days", Message: "x", IsActive: true}
	if err := store.Save(bad); err != nil {
		t.Fatal(err)
	}

	err := h.s.Start(context.Background())
	if !errors.Is(err, ErrInvalidDelayUnit) {
		t.Fatalf("expected ErrInvalidDelayUnit, got %v", err)
	}
}

func TestScheduleReplacesTimer(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "v1"}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	m.Message = "v2"
	m.DelayAmount = 2
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if n := h.s.LiveTimers(); n != 1 {
		t.Fatalf("expected a single timer after re-registration, got %d", n)
	}

	h.clock.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if sent := h.tmux.Sent("dev-1"); len(sent) != 0 {
		t.Fatalf("expected the old timer to be cancelled, got %v", sent)
	}
	h.clock.Step(time.Minute)
	waitFor(t, "delivery", func() bool { return len(h.tmux.Sent("dev-1")) == 1 })
	if sent := h.tmux.Sent("dev-1"); sent[0] != "v2" {
		t.Errorf("expected latest message, got %q", sent[0])
	}
}

func TestDeleteAndActivate(t *testing.T) {
	h := newHarness(t, "dev-1")
	h.start(t)

	m := &ScheduledMessage{TargetTeam: "dev-1", DelayAmount: 1, DelayUnit: UnitMinutes, Message: "x"}
	if err := h.s.Schedule(m); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Cancel(m.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.s.Activate(m.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if n := h.s.LiveTimers(); n != 1 {
		t.Fatalf("expected activate to arm a timer, got %d", n)
	}

	if err := h.s.Delete(m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := h.s.LiveTimers(); n != 0 {
		t.Errorf("expected delete to clear the timer, got %d", n)
	}
	if err := h.s.Cancel(m.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListFilter(t *testing.T) {
	h := newHarness(t)
	for _, target := range []string{"dev-1", "dev-2"} {
		if _, err := h.s.ScheduleCheckIn(target, 5, "hi", false, 0); err != nil {
			t.Fatal(err)
		}
	}
	list, err := h.s.ListCheckIns(Filter{Target: "dev-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].TargetSession != "dev-2" {
		t.Fatalf("expected one check-in for dev-2, got %+v", list)
	}

	firings, err := h.s.NextFirings()
	if err != nil {
		t.Fatal(err)
	}
	if len(firings) != 2 {
		t.Fatalf("expected 2 upcoming firings, got %d", len(firings))
	}
}
