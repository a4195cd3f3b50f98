package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/conductor/internal/events"
)

func dialHub(t *testing.T, bus *events.Bus) (*Hub, *websocket.Conn) {
	t.Helper()
	h := NewHub(bus)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return f
}

func writeRequest(t *testing.T, conn *websocket.Conn, id string, method Method, params any) {
	t.Helper()
	raw, _ := json.Marshal(params)
	data, _ := MarshalFrame(Frame{Type: FrameTypeRequest, ID: id, Method: string(method), Params: raw})
	if err := conn.Write(t.Context(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func idle(session string) events.Event {
	return events.NewTypedEventWithSession(events.SourceMonitor, events.AgentEventPayload{
		Kind:          events.EventAgentIdle,
		SessionName:   session,
		AgentStatus:   "active",
		WorkingStatus: "idle",
	}, session)
}

func TestHubStreamsBusEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	_, conn := dialHub(t, bus)

	bus.Publish(idle("dev-1"))

	f := readFrame(t, conn)
	if f.Type != FrameTypeEvent || f.Event != "agent:idle" {
		t.Fatalf("expected agent:idle event frame, got %+v", f)
	}
	if f.SessionID != "dev-1" {
		t.Errorf("expected session dev-1, got %q", f.SessionID)
	}
}

func TestHubSetFilter(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	_, conn := dialHub(t, bus)

	writeRequest(t, conn, "r1", MethodSetFilter, SetFilterParams{Types: []string{"task:blocked"}})
	res := readFrame(t, conn)
	if res.Type != FrameTypeResponse || res.ID != "r1" || res.OK == nil || !*res.OK {
		t.Fatalf("expected ok response, got %+v", res)
	}

	bus.Publish(idle("dev-1"))
	bus.Publish(events.NewTypedEvent(events.SourceTasks, events.TaskEventPayload{
		Kind: events.EventTaskBlocked, TaskID: "task_1", Status: "blocked",
	}))

	f := readFrame(t, conn)
	if f.Event != "task:blocked" {
		t.Errorf("expected filtered stream to skip agent:idle, got %q", f.Event)
	}
}

func TestHubUnknownMethod(t *testing.T) {
	_, conn := dialHub(t, nil)

	writeRequest(t, conn, "r2", "reboot", nil)
	res := readFrame(t, conn)
	if res.OK == nil || *res.OK {
		t.Fatalf("expected failed response, got %+v", res)
	}
	if !strings.Contains(res.Error, "unknown method") {
		t.Errorf("unexpected error %q", res.Error)
	}
}

func TestHubHistory(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	bus.Publish(idle("dev-1"))
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.History(10)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never reached history")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, conn := dialHub(t, bus)
	writeRequest(t, conn, "r3", MethodHistory, HistoryParams{Limit: 10})
	res := readFrame(t, conn)
	var history []events.Event
	if err := json.Unmarshal(res.Payload, &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 1 || history[0].Type != events.EventAgentIdle {
		t.Errorf("unexpected history %+v", history)
	}
}
