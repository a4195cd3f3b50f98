package storage

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dohr-michael/conductor/internal/events"
)

// EventLogger persists bus events to JSONL files, one per terminal session.
type EventLogger struct {
	dir         string
	mu          sync.Mutex
	unsubscribe func()
}

// NewEventLogger creates an EventLogger that subscribes to all bus events
// and writes them as JSONL to dir.
func NewEventLogger(dir string, bus *events.Bus) *EventLogger {
	el := &EventLogger{dir: dir}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if err := el.writeEvent(e); err != nil {
		slog.Warn("eventlog: write failed", "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	path := el.logPath(e.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Unavailable("eventlog", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Unavailable("eventlog", err)
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// ReadEvents returns the last limit events logged for sessionName ("" for
// events not bound to a session). A limit <= 0 returns everything.
func (el *EventLogger) ReadEvents(sessionName string, limit int) ([]events.Event, error) {
	el.mu.Lock()
	defer el.mu.Unlock()

	f, err := os.Open(el.logPath(sessionName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, Unavailable("eventlog", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (el *EventLogger) logPath(sessionName string) string {
	if sessionName == "" {
		return filepath.Join(el.dir, "_global.jsonl")
	}
	return filepath.Join(el.dir, sanitizeName(sessionName)+".jsonl")
}

// sanitizeName keeps session names such as "proj:dev.1" usable as file names.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '_'
		}
		return r
	}, name)
}
