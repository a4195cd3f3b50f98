// Package hub notifies sessions about agent and task lifecycle events they
// subscribed to.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/conductor/internal/events"
	"github.com/dohr-michael/conductor/internal/tmux"
)

// Source is the part of the event bus the hub listens on.
type Source interface {
	Subscribe(handler events.Subscriber, eventTypes ...events.EventType) func()
}

// Hub matches published events against subscriptions and writes one tagged
// line per match into the subscriber's session. Dispatch is serialized, so
// a one-shot subscription is delivered at most once.
type Hub struct {
	store *Store
	sup   tmux.Supervisor
	bus   events.Publisher
	now   func() time.Time

	mu   sync.Mutex
	subs map[string]*Subscription

	runMu       sync.Mutex
	unsubscribe func()
}

// New creates a Hub. bus may be nil.
func New(store *Store, sup tmux.Supervisor, bus events.Publisher) *Hub {
	return &Hub{
		store: store,
		sup:   sup,
		bus:   bus,
		now:   time.Now,
		subs:  make(map[string]*Subscription),
	}
}

// Start loads persisted subscriptions and begins listening on src.
func (h *Hub) Start(ctx context.Context, src Source) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.unsubscribe != nil {
		return nil
	}

	list, err := h.store.List()
	if err != nil {
		return err
	}
	h.mu.Lock()
	for _, s := range list {
		h.subs[s.ID] = s
	}
	h.mu.Unlock()

	types := append(append([]events.EventType(nil), events.AgentEventTypes...), events.TaskEventTypes...)
	h.unsubscribe = src.Subscribe(func(e events.Event) {
		h.Notify(ctx, e)
	}, types...)

	slog.Info("hub: started", "subscriptions", len(list))
	return nil
}

// Stop stops listening. Persisted subscriptions are kept.
func (h *Hub) Stop() {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if h.unsubscribe == nil {
		return
	}
	h.unsubscribe()
	h.unsubscribe = nil
	slog.Info("hub: stopped")
}

// SubscribeRequest describes a new subscription.
type SubscribeRequest struct {
	EventType         events.EventType  `json:"eventType"`
	SubscriberSession string            `json:"subscriberSession"`
	Filter            map[string]string `json:"filter,omitempty"`
	OneShot           bool              `json:"oneShot,omitempty"`
}

// Subscribe validates and persists a subscription.
func (h *Hub) Subscribe(req SubscribeRequest) (*Subscription, error) {
	sub := &Subscription{
		EventType:         req.EventType,
		SubscriberSession: req.SubscriberSession,
		Filter:            req.Filter,
		OneShot:           req.OneShot,
		CreatedAt:         h.now(),
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Save(sub); err != nil {
		return nil, err
	}
	h.subs[sub.ID] = sub
	slog.Info("hub: subscribed", "id", sub.ID, "event", sub.EventType, "session", sub.SubscriberSession, "one_shot", sub.OneShot)
	c := *sub
	return &c, nil
}

// Unsubscribe removes a subscription.
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := h.store.Delete(id); err != nil {
		return err
	}
	delete(h.subs, id)
	slog.Info("hub: unsubscribed", "id", id)
	return nil
}

// List returns the live subscriptions, oldest first.
func (h *Hub) List() []*Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		c := *s
		out = append(out, &c)
	}
	sortSubs(out)
	return out
}

// Load replaces the in-memory subscriptions with the persisted ones.
func (h *Hub) Load() error {
	list, err := h.store.List()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = make(map[string]*Subscription, len(list))
	for _, s := range list {
		h.subs[s.ID] = s
	}
	return nil
}

// Notify delivers e to every matching subscription and returns how many
// notifications were delivered. Failed deliveries are not retried.
func (h *Hub) Notify(ctx context.Context, e events.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	var matched []*Subscription
	for _, s := range h.subs {
		if s.EventType == e.Type && s.Matches(e.Payload) {
			matched = append(matched, s)
		}
	}
	sortSubs(matched)

	delivered := 0
	for _, s := range matched {
		line := FormatLine(s.ID, e)
		err := h.sup.SendMessage(ctx, s.SubscriberSession, line)
		removed := false
		if err != nil {
			slog.Warn("hub: notification failed", "id", s.ID, "session", s.SubscriberSession, "event", e.Type, "error", err)
		} else {
			delivered++
			now := h.now()
			s.Notified++
			s.LastNotifiedAt = &now
			if s.OneShot {
				removed = h.remove(s.ID)
			} else if serr := h.store.Save(s); serr != nil {
				slog.Warn("hub: subscription update failed", "id", s.ID, "error", serr)
			}
		}
		h.publish(s, e.Type, err, removed)
	}
	return delivered
}

// remove drops a delivered one-shot subscription. It stays out of memory
// even when the store delete fails so it cannot fire twice.
func (h *Hub) remove(id string) bool {
	delete(h.subs, id)
	if err := h.store.Delete(id); err != nil {
		slog.Warn("hub: one-shot removal failed", "id", id, "error", err)
	}
	return true
}

func (h *Hub) publish(s *Subscription, t events.EventType, err error, removed bool) {
	if h.bus == nil {
		return
	}
	p := events.SubscriptionNotifiedPayload{
		SubscriptionID:    s.ID,
		Event:             t,
		SubscriberSession: s.SubscriberSession,
		Success:           err == nil,
		Removed:           removed,
	}
	if err != nil {
		p.Error = err.Error()
	}
	h.bus.Publish(events.NewTypedEventWithSession(events.SourceHub, p, s.SubscriberSession))
}

// summaryKeys are the payload fields shown in a notification, in order.
var summaryKeys = []string{
	"sessionName", "memberName", "agentStatus", "workingStatus",
	"taskId", "title", "status", "assignee", "actor", "reason", "urgency",
}

const maxValueLen = 80

// FormatLine renders the single tagged line written into a subscriber's
// session, e.g. "[EVENT sub=sub_1a2b type=agent:idle] sessionName=dev-1 ...".
func FormatLine(subID string, e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[EVENT sub=%s type=%s]", subID, e.Type)
	for _, key := range summaryKeys {
		v, ok := e.Payload[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		s = strings.Join(strings.Fields(s), " ")
		if len(s) > maxValueLen {
			s = tmux.TruncateBack(s, maxValueLen) + "..."
		}
		if strings.ContainsRune(s, ' ') {
			s = fmt.Sprintf("%q", s)
		}
		fmt.Fprintf(&b, " %s=%s", key, s)
	}
	return b.String()
}
