package ws

import (
	"encoding/json"
	"errors"
)

// FrameType represents the type of WebSocket frame.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Method represents a WebSocket request method.
type Method string

const (
	// MethodSetFilter restricts the events streamed to a client. An empty
	// list streams everything.
	MethodSetFilter Method = "set_filter"
	// MethodHistory returns the most recent bus events.
	MethodHistory Method = "history"

	MethodScheduleMessage  Method = "schedule_message"
	MethodScheduleCheckIn  Method = "schedule_checkin"
	MethodCancelSchedule   Method = "cancel_schedule"
	MethodActivateSchedule Method = "activate_schedule"
	MethodDeleteSchedule   Method = "delete_schedule"
	MethodRunSchedule      Method = "run_schedule"
	MethodClearDeliveries  Method = "clear_deliveries"

	MethodTaskCreate   Method = "task_create"
	MethodTaskAssign   Method = "task_assign"
	MethodTaskAccept   Method = "task_accept"
	MethodTaskDelegate Method = "task_delegate"
	MethodTaskBlock    Method = "task_block"
	MethodTaskUnblock  Method = "task_unblock"
	MethodTaskComplete Method = "task_complete"

	MethodSubscribe   Method = "subscribe"
	MethodUnsubscribe Method = "unsubscribe"

	MethodMemberStart    Method = "member_start"
	MethodMemberRegister Method = "member_register"
	MethodMemberStop     Method = "member_stop"
	MethodMonitorCycle   Method = "monitor_cycle"
)

// ErrUnknownMethod is returned by a Handler for methods it does not serve.
var ErrUnknownMethod = errors.New("unknown method")

// RequestError is a failed request with a machine-readable kind.
type RequestError struct {
	Kind    string
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// SetFilterParams are the params of a set_filter request.
type SetFilterParams struct {
	Types []string `json:"types"`
}

// HistoryParams are the params of a history request.
type HistoryParams struct {
	Limit int `json:"limit,omitempty"`
}

// Frame is the WebSocket protocol envelope.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	OK        *bool           `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Event     string          `json:"event,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// MarshalFrame serializes a Frame to JSON bytes.
func MarshalFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame deserializes JSON bytes into a Frame.
func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// NewEventFrame creates a Frame for broadcasting an event. sessionID is the
// tmux session the event concerns, if any.
func NewEventFrame(event string, sessionID string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      FrameTypeEvent,
		Event:     event,
		SessionID: sessionID,
		Payload:   data,
	}, nil
}

// NewResponseFrame creates a response Frame.
func NewResponseFrame(id string, ok bool, payload any, errMsg string) (Frame, error) {
	f := Frame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    &ok,
		Error: errMsg,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}
