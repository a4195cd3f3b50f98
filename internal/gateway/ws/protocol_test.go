package ws

import (
	"encoding/json"
	"testing"
)

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("agent:idle", "dev-1", map[string]string{"sessionName": "dev-1"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, f.Type)
	}
	if f.Event != "agent:idle" {
		t.Fatalf("expected event %q, got %q", "agent:idle", f.Event)
	}
	if f.SessionID != "dev-1" {
		t.Fatalf("expected session_id %q, got %q", "dev-1", f.SessionID)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["sessionName"] != "dev-1" {
		t.Fatalf("expected payload.sessionName %q, got %q", "dev-1", p["sessionName"])
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "something went wrong")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "something went wrong" {
		t.Fatalf("expected error %q, got %q", "something went wrong", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}
