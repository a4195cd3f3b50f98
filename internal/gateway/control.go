package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/dohr-michael/conductor/internal/gateway/ws"
	"github.com/dohr-michael/conductor/internal/hub"
	"github.com/dohr-michael/conductor/internal/monitor"
	"github.com/dohr-michael/conductor/internal/scheduler"
	"github.com/dohr-michael/conductor/internal/storage"
	"github.com/dohr-michael/conductor/internal/tasks"
	"github.com/dohr-michael/conductor/internal/teams"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// ScheduleControl mutates schedules and check-ins.
type ScheduleControl interface {
	Schedule(m *scheduler.ScheduledMessage) error
	ScheduleCheckIn(targetSession string, minutes int, message string, recurring bool, maxOccurrences int) (*scheduler.CheckIn, error)
	Cancel(id string) error
	Activate(id string) error
	Delete(id string) error
	RunNow(id string) error
}

// DeliveryControl clears the delivery log.
type DeliveryControl interface {
	Clear(ctx context.Context, scheduleID string) (int64, error)
}

// TaskControl drives task transitions.
type TaskControl interface {
	Create(req tasks.CreateRequest) (*tasks.Task, error)
	Assign(id, member, actor string) (*tasks.Task, error)
	Accept(id, member string) (*tasks.Task, error)
	Delegate(id, from, to string) (*tasks.Task, error)
	Block(id string, req tasks.BlockRequest) (*tasks.Task, error)
	Unblock(id, note, actor string) (*tasks.Task, error)
	Complete(ctx context.Context, id string, req tasks.CompleteRequest) (*tasks.Task, error)
}

// SubscriptionControl adds and removes event subscriptions.
type SubscriptionControl interface {
	Subscribe(req hub.SubscribeRequest) (*hub.Subscription, error)
	Unsubscribe(id string) error
}

// RosterControl drives explicit member lifecycle operations.
type RosterControl interface {
	FindBySession(sessionName string) (teams.Ref, error)
	StartMember(ctx context.Context, teamID, memberID string) (teams.Member, error)
	CompleteRegistration(sessionName string) (teams.Member, error)
	StopMember(ctx context.Context, teamID, memberID string) (teams.Member, error)
}

// MonitorControl runs an on-demand activity check.
type MonitorControl interface {
	RunCycle(ctx context.Context) (monitor.CycleReport, error)
}

// Controller serves control requests arriving over the WebSocket. Nil
// components reject their methods as unavailable.
type Controller struct {
	Schedules     ScheduleControl
	Deliveries    DeliveryControl
	Tasks         TaskControl
	Subscriptions SubscriptionControl
	Roster        RosterControl
	Monitor       MonitorControl
}

var _ ws.Handler = (*Controller)(nil)

// CheckInParams are the params of schedule_checkin.
type CheckInParams struct {
	TargetSession  string `json:"targetSession"`
	Minutes        int    `json:"minutes"`
	Message        string `json:"message"`
	Recurring      bool   `json:"recurring,omitempty"`
	MaxOccurrences int    `json:"maxOccurrences,omitempty"`
}

// IDParams carry a single schedule or subscription id.
type IDParams struct {
	ID string `json:"id"`
}

// ClearParams are the params of clear_deliveries. An empty ScheduleID clears
// the whole log.
type ClearParams struct {
	ScheduleID string `json:"scheduleId,omitempty"`
}

// TaskMemberParams are the params of task_assign and task_accept.
type TaskMemberParams struct {
	ID     string `json:"id"`
	Member string `json:"member"`
	Actor  string `json:"actor,omitempty"`
}

// TaskDelegateParams are the params of task_delegate.
type TaskDelegateParams struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// TaskBlockParams are the params of task_block.
type TaskBlockParams struct {
	ID string `json:"id"`
	tasks.BlockRequest
}

// TaskUnblockParams are the params of task_unblock.
type TaskUnblockParams struct {
	ID    string `json:"id"`
	Note  string `json:"note,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// TaskCompleteParams are the params of task_complete.
type TaskCompleteParams struct {
	ID string `json:"id"`
	tasks.CompleteRequest
}

// SessionParams name a member by its session.
type SessionParams struct {
	Session string `json:"session"`
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &ws.RequestError{Kind: tasks.KindInvalidArgument, Message: "invalid params: " + err.Error()}
	}
	return v, nil
}

// Handle dispatches one control request.
func (c *Controller) Handle(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	result, err := c.dispatch(ctx, method, params)
	if err != nil {
		if errors.Is(err, ws.ErrUnknownMethod) {
			return nil, err
		}
		var re *ws.RequestError
		if errors.As(err, &re) {
			return nil, err
		}
		slog.Debug("gateway: control request failed", "method", method, "error", err)
		return nil, &ws.RequestError{Kind: errorKind(err), Message: err.Error()}
	}
	return result, nil
}

func (c *Controller) dispatch(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	switch method {
	case ws.MethodScheduleMessage, ws.MethodScheduleCheckIn, ws.MethodCancelSchedule,
		ws.MethodActivateSchedule, ws.MethodDeleteSchedule, ws.MethodRunSchedule:
		if c.Schedules == nil {
			return nil, notAvailable("scheduler")
		}
		return c.schedule(method, params)

	case ws.MethodClearDeliveries:
		if c.Deliveries == nil {
			return nil, notAvailable("delivery log")
		}
		p, err := decode[ClearParams](params)
		if err != nil {
			return nil, err
		}
		n, err := c.Deliveries.Clear(ctx, p.ScheduleID)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"cleared": n}, nil

	case ws.MethodTaskCreate, ws.MethodTaskAssign, ws.MethodTaskAccept, ws.MethodTaskDelegate,
		ws.MethodTaskBlock, ws.MethodTaskUnblock, ws.MethodTaskComplete:
		if c.Tasks == nil {
			return nil, notAvailable("task system")
		}
		return c.task(ctx, method, params)

	case ws.MethodSubscribe:
		if c.Subscriptions == nil {
			return nil, notAvailable("event hub")
		}
		req, err := decode[hub.SubscribeRequest](params)
		if err != nil {
			return nil, err
		}
		return c.Subscriptions.Subscribe(req)

	case ws.MethodUnsubscribe:
		if c.Subscriptions == nil {
			return nil, notAvailable("event hub")
		}
		p, err := decode[IDParams](params)
		if err != nil {
			return nil, err
		}
		return nil, c.Subscriptions.Unsubscribe(p.ID)

	case ws.MethodMemberStart, ws.MethodMemberRegister, ws.MethodMemberStop:
		if c.Roster == nil {
			return nil, notAvailable("roster")
		}
		return c.member(ctx, method, params)

	case ws.MethodMonitorCycle:
		if c.Monitor == nil {
			return nil, notAvailable("monitor")
		}
		return c.Monitor.RunCycle(ctx)
	}
	return nil, ws.ErrUnknownMethod
}

func (c *Controller) schedule(method ws.Method, params json.RawMessage) (any, error) {
	if method == ws.MethodScheduleMessage {
		m, err := decode[scheduler.ScheduledMessage](params)
		if err != nil {
			return nil, err
		}
		if err := c.Schedules.Schedule(&m); err != nil {
			return nil, err
		}
		return &m, nil
	}
	if method == ws.MethodScheduleCheckIn {
		p, err := decode[CheckInParams](params)
		if err != nil {
			return nil, err
		}
		return c.Schedules.ScheduleCheckIn(p.TargetSession, p.Minutes, p.Message, p.Recurring, p.MaxOccurrences)
	}

	p, err := decode[IDParams](params)
	if err != nil {
		return nil, err
	}
	switch method {
	case ws.MethodCancelSchedule:
		err = c.Schedules.Cancel(p.ID)
	case ws.MethodActivateSchedule:
		err = c.Schedules.Activate(p.ID)
	case ws.MethodDeleteSchedule:
		err = c.Schedules.Delete(p.ID)
	case ws.MethodRunSchedule:
		err = c.Schedules.RunNow(p.ID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"id": p.ID}, nil
}

func (c *Controller) task(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	switch method {
	case ws.MethodTaskCreate:
		req, err := decode[tasks.CreateRequest](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Create(req)
	case ws.MethodTaskAssign:
		p, err := decode[TaskMemberParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Assign(p.ID, p.Member, p.Actor)
	case ws.MethodTaskAccept:
		p, err := decode[TaskMemberParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Accept(p.ID, p.Member)
	case ws.MethodTaskDelegate:
		p, err := decode[TaskDelegateParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Delegate(p.ID, p.From, p.To)
	case ws.MethodTaskBlock:
		p, err := decode[TaskBlockParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Block(p.ID, p.BlockRequest)
	case ws.MethodTaskUnblock:
		p, err := decode[TaskUnblockParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Unblock(p.ID, p.Note, p.Actor)
	default:
		p, err := decode[TaskCompleteParams](params)
		if err != nil {
			return nil, err
		}
		return c.Tasks.Complete(ctx, p.ID, p.CompleteRequest)
	}
}

func (c *Controller) member(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	p, err := decode[SessionParams](params)
	if err != nil {
		return nil, err
	}
	if method == ws.MethodMemberRegister {
		return c.Roster.CompleteRegistration(p.Session)
	}
	ref, err := c.Roster.FindBySession(p.Session)
	if err != nil {
		return nil, err
	}
	if method == ws.MethodMemberStart {
		return c.Roster.StartMember(ctx, ref.TeamID, ref.Member.ID)
	}
	return c.Roster.StopMember(ctx, ref.TeamID, ref.Member.ID)
}

func notAvailable(what string) error {
	return &ws.RequestError{Kind: "unavailable", Message: what + " not available"}
}

// errorKind classifies err for clients.
func errorKind(err error) string {
	if kind := tasks.KindOf(err); kind != tasks.KindInternal {
		return kind
	}
	switch {
	case errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, hub.ErrNotFound),
		errors.Is(err, teams.ErrTeamNotFound),
		errors.Is(err, teams.ErrMemberNotFound):
		return tasks.KindNotFound
	case errors.Is(err, scheduler.ErrInvalidSchedule),
		errors.Is(err, scheduler.ErrInvalidDelayUnit),
		errors.Is(err, hub.ErrUnsupportedEvent),
		errors.Is(err, hub.ErrInvalidFilter):
		return tasks.KindInvalidArgument
	case errors.Is(err, tmux.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, tmux.ErrTimeout):
		return "timeout"
	case errors.Is(err, storage.ErrUnavailable):
		return tasks.KindUnavailable
	}
	return tasks.KindInternal
}
