package events

import (
	"testing"
)

func TestTypedEvent_Agent(t *testing.T) {
	payload := AgentEventPayload{
		Kind:                  EventAgentBusy,
		TeamID:                "team-a",
		MemberID:              "m1",
		SessionName:           "dev-1",
		AgentStatus:           "active",
		WorkingStatus:         "in_progress",
		PreviousWorkingStatus: "idle",
	}
	evt := NewTypedEventWithSession(SourceMonitor, payload, "dev-1")

	if evt.Type != EventAgentBusy {
		t.Fatalf("expected type %q, got %q", EventAgentBusy, evt.Type)
	}
	if evt.SessionID != "dev-1" {
		t.Fatalf("expected session %q, got %q", "dev-1", evt.SessionID)
	}
	if _, ok := evt.Payload["Kind"]; ok {
		t.Fatal("kind must not leak into the payload map")
	}
	if evt.Payload["sessionName"] != "dev-1" {
		t.Fatalf("expected sessionName in payload, got %v", evt.Payload["sessionName"])
	}

	got, ok := GetAgentEventPayload(evt)
	if !ok {
		t.Fatal("GetAgentEventPayload returned false")
	}
	if got.Kind != EventAgentBusy {
		t.Fatalf("expected kind restored to %q, got %q", EventAgentBusy, got.Kind)
	}
	if got.PreviousWorkingStatus != "idle" || got.WorkingStatus != "in_progress" {
		t.Fatalf("unexpected statuses: %+v", got)
	}
}

func TestTypedEvent_Task(t *testing.T) {
	payload := TaskEventPayload{
		Kind:            EventTaskDelegated,
		TaskID:          "t1",
		Status:          "in_progress",
		Assignee:        "dev-2",
		Actor:           "dev-1",
		DelegationChain: []string{"dev-1", "dev-2"},
	}
	evt := NewTypedEvent(SourceTasks, payload)

	got, ok := GetTaskEventPayload(evt)
	if !ok {
		t.Fatal("GetTaskEventPayload returned false")
	}
	if got.Kind != EventTaskDelegated {
		t.Fatalf("expected kind %q, got %q", EventTaskDelegated, got.Kind)
	}
	if len(got.DelegationChain) != 2 || got.DelegationChain[1] != "dev-2" {
		t.Fatalf("unexpected chain %v", got.DelegationChain)
	}
}

func TestTypedEvent_MessageDelivered(t *testing.T) {
	evt := NewTypedEvent(SourceScheduler, MessageDeliveredPayload{
		ScheduleID: "s1",
		Target:     "dev-1",
		Success:    false,
		Error:      "session not found",
	})

	if evt.Type != EventMessageDelivered {
		t.Fatalf("expected type %q, got %q", EventMessageDelivered, evt.Type)
	}
	got, ok := GetMessageDeliveredPayload(evt)
	if !ok {
		t.Fatal("GetMessageDeliveredPayload returned false")
	}
	if got.Success || got.Error != "session not found" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestExtractPayload_WrongShape(t *testing.T) {
	evt := NewEvent(EventScheduleFired, SourceScheduler, map[string]any{"runCount": "not-a-number"})
	if _, ok := ExtractPayload[ScheduleFiredPayload](evt); ok {
		t.Fatal("expected extraction to fail for mismatched payload")
	}
}
