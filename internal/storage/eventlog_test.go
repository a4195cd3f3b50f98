package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/conductor/internal/events"
)

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

func TestEventLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.Event{
		ID:        "evt-1",
		Type:      events.EventScheduleFired,
		Timestamp: time.Now(),
		Source:    events.SourceScheduler,
		Payload:   map[string]any{"scheduleId": "s1"},
	})

	path := filepath.Join(dir, "_global.jsonl")
	waitForFile(t, path)
	time.Sleep(20 * time.Millisecond)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read JSONL: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "evt-1" {
		t.Errorf("got ID %q, want %q", got.ID, "evt-1")
	}
	if got.Type != events.EventScheduleFired {
		t.Errorf("got type %q, want %q", got.Type, events.EventScheduleFired)
	}
}

func TestEventLogger_SessionRouting(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	bus.Publish(events.Event{ID: "evt-global", Type: events.EventTaskCreated, Timestamp: time.Now(), Source: events.SourceTasks})
	bus.Publish(events.Event{ID: "evt-sess", SessionID: "proj:dev.1", Type: events.EventAgentIdle, Timestamp: time.Now(), Source: events.SourceMonitor})

	waitForFile(t, filepath.Join(dir, "_global.jsonl"))
	waitForFile(t, filepath.Join(dir, "proj_dev_1.jsonl"))

	got, err := el.ReadEvents("proj:dev.1", 0)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "evt-sess" {
		t.Fatalf("expected [evt-sess], got %+v", got)
	}
}

func TestEventLogger_ReadEventsLimit(t *testing.T) {
	dir := t.TempDir()
	el := &EventLogger{dir: dir}

	for i := 0; i < 5; i++ {
		e := events.NewEvent(events.EventAgentBusy, events.SourceMonitor, map[string]any{"i": i})
		e.SessionID = "dev-1"
		if err := el.writeEvent(e); err != nil {
			t.Fatalf("writeEvent: %v", err)
		}
	}

	got, err := el.ReadEvents("dev-1", 2)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[1].Payload["i"] != float64(4) {
		t.Errorf("expected newest event last, got %v", got[1].Payload["i"])
	}

	missing, err := el.ReadEvents("nobody", 0)
	if err != nil || missing != nil {
		t.Fatalf("expected empty result for missing log, got %v, %v", missing, err)
	}
}

func TestUnavailable(t *testing.T) {
	if Unavailable("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	cause := errors.New("disk full")
	err := Unavailable("save team", cause)
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("expected both sentinels in chain, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "save team: storage unavailable") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
