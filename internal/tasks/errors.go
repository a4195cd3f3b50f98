package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dohr-michael/conductor/internal/storage"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrDelegationLoop    = errors.New("delegation loop")
	ErrNotAssignee       = errors.New("not the task assignee")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ValidationError is returned by Complete when the output does not match the
// task's schema. Blocked is set once the retries are exhausted and the task
// moved to blocked.
type ValidationError struct {
	TaskID      string   `json:"taskId"`
	Failures    []string `json:"failures"`
	Attempt     int      `json:"attempt"`
	RetriesLeft int      `json:"retriesLeft"`
	Blocked     bool     `json:"blocked"`
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("task %s: output validation failed (attempt %d): %s",
		e.TaskID, e.Attempt, strings.Join(e.Failures, "; "))
	if e.Blocked {
		return msg + "; task blocked"
	}
	return fmt.Sprintf("%s; %d retries left", msg, e.RetriesLeft)
}

// GateError is returned by Complete when the quality gate rejects the work.
type GateError struct {
	TaskID string `json:"taskId"`
	Status int    `json:"status"`
	Output string `json:"output,omitempty"`
}

func (e *GateError) Error() string {
	return fmt.Sprintf("task %s: quality gate failed with status %d", e.TaskID, e.Status)
}

// Error kinds reported by KindOf.
const (
	KindNotFound          = "not_found"
	KindInvalidTransition = "invalid_transition"
	KindDelegationLoop    = "delegation_loop"
	KindNotAssignee       = "not_assignee"
	KindInvalidArgument   = "invalid_argument"
	KindValidationFailed  = "validation_failed"
	KindGateFailed        = "gate_failed"
	KindUnavailable       = "storage_unavailable"
	KindInternal          = "internal"
)

// KindOf classifies err so callers can decide whether to retry, surface or
// log it. A nil error has an empty kind.
func KindOf(err error) string {
	var ve *ValidationError
	var ge *GateError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidationFailed
	case errors.As(err, &ge):
		return KindGateFailed
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrDelegationLoop):
		return KindDelegationLoop
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrNotAssignee):
		return KindNotAssignee
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, storage.ErrUnavailable):
		return KindUnavailable
	}
	return KindInternal
}
