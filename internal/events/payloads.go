package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// AGENT EVENTS
// =============================================================================

// AgentEventPayload describes a team member transition. The same shape is
// used for every agent:* event; Kind selects which one.
type AgentEventPayload struct {
	Kind                  EventType `json:"-"`
	TeamID                string    `json:"teamId,omitempty"`
	MemberID              string    `json:"memberId"`
	MemberName            string    `json:"memberName,omitempty"`
	Role                  string    `json:"role,omitempty"`
	SessionName           string    `json:"sessionName"`
	AgentStatus           string    `json:"agentStatus"`
	WorkingStatus         string    `json:"workingStatus"`
	PreviousAgentStatus   string    `json:"previousAgentStatus,omitempty"`
	PreviousWorkingStatus string    `json:"previousWorkingStatus,omitempty"`
}

func (p AgentEventPayload) EventType() EventType { return p.Kind }

// =============================================================================
// TASK EVENTS
// =============================================================================

type TaskEventPayload struct {
	Kind            EventType `json:"-"`
	TaskID          string    `json:"taskId"`
	Title           string    `json:"title,omitempty"`
	Milestone       string    `json:"milestone,omitempty"`
	Status          string    `json:"status"`
	PreviousStatus  string    `json:"previousStatus,omitempty"`
	Assignee        string    `json:"assignee,omitempty"`
	Actor           string    `json:"actor,omitempty"`
	DelegationChain []string  `json:"delegationChain,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Urgency         string    `json:"urgency,omitempty"`
}

func (p TaskEventPayload) EventType() EventType { return p.Kind }

// =============================================================================
// SCHEDULER EVENTS
// =============================================================================

type ScheduleFiredPayload struct {
	ScheduleID string `json:"scheduleId"`
	Kind       string `json:"kind"`
	Target     string `json:"target"`
	RunCount   int    `json:"runCount"`
	Manual     bool   `json:"manual,omitempty"`
}

func (ScheduleFiredPayload) EventType() EventType { return EventScheduleFired }

type MessageDeliveredPayload struct {
	ScheduleID string `json:"scheduleId"`
	Target     string `json:"target"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

func (MessageDeliveredPayload) EventType() EventType { return EventMessageDelivered }

// =============================================================================
// HUB EVENTS
// =============================================================================

type SubscriptionNotifiedPayload struct {
	SubscriptionID    string    `json:"subscriptionId"`
	Event             EventType `json:"eventType"`
	SubscriberSession string    `json:"subscriberSession"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
	Removed           bool      `json:"removed,omitempty"`
}

func (SubscriptionNotifiedPayload) EventType() EventType { return EventSubscriptionNotified }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedEventWithSession creates a typed event bound to a terminal session name.
func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionName string) Event {
	e := NewTypedEvent(source, payload)
	e.SessionID = sessionName
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}

// GetAgentEventPayload extracts an agent payload and restores its Kind.
func GetAgentEventPayload(e Event) (AgentEventPayload, bool) {
	p, ok := ExtractPayload[AgentEventPayload](e)
	p.Kind = e.Type
	return p, ok
}

// GetTaskEventPayload extracts a task payload and restores its Kind.
func GetTaskEventPayload(e Event) (TaskEventPayload, bool) {
	p, ok := ExtractPayload[TaskEventPayload](e)
	p.Kind = e.Type
	return p, ok
}

func GetMessageDeliveredPayload(e Event) (MessageDeliveredPayload, bool) {
	return ExtractPayload[MessageDeliveredPayload](e)
}
