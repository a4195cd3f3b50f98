// Package events provides an in-memory event bus using Go channels.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// Agent lifecycle, produced by the activity monitor and roster operations.
	EventAgentIdle          EventType = "agent:idle"
	EventAgentBusy          EventType = "agent:busy"
	EventAgentActive        EventType = "agent:active"
	EventAgentInactive      EventType = "agent:inactive"
	EventAgentStatusChanged EventType = "agent:status_changed"

	// Task lifecycle
	EventTaskCreated          EventType = "task:created"
	EventTaskAssigned         EventType = "task:assigned"
	EventTaskAccepted         EventType = "task:accepted"
	EventTaskDelegated        EventType = "task:delegated"
	EventTaskCompleted        EventType = "task:completed"
	EventTaskBlocked          EventType = "task:blocked"
	EventTaskUnblocked        EventType = "task:unblocked"
	EventTaskValidationFailed EventType = "task:validation_failed"

	// Scheduler
	EventScheduleFired    EventType = "schedule.fired"
	EventMessageDelivered EventType = "message.delivered"

	// Hub
	EventSubscriptionNotified EventType = "subscription.notified"
)

// AgentEventTypes lists the agent lifecycle events a subscription may target.
var AgentEventTypes = []EventType{
	EventAgentIdle,
	EventAgentBusy,
	EventAgentActive,
	EventAgentInactive,
	EventAgentStatusChanged,
}

// TaskEventTypes lists the task lifecycle events a subscription may target.
var TaskEventTypes = []EventType{
	EventTaskCreated,
	EventTaskAssigned,
	EventTaskAccepted,
	EventTaskDelegated,
	EventTaskCompleted,
	EventTaskBlocked,
	EventTaskUnblocked,
	EventTaskValidationFailed,
}

// IsSubscribable reports whether t can be the target of a hub subscription.
func IsSubscribable(t EventType) bool {
	for _, known := range AgentEventTypes {
		if known == t {
			return true
		}
	}
	for _, known := range TaskEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceMonitor   EventSource = "monitor"
	SourceRoster    EventSource = "roster"
	SourceScheduler EventSource = "scheduler"
	SourceTasks     EventSource = "tasks"
	SourceHub       EventSource = "hub"
	SourceGateway   EventSource = "gateway"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// lifecycleWait bounds how long a full buffer may hold up a lifecycle event
// before it is dropped. Other events are dropped immediately.
const lifecycleWait = 500 * time.Millisecond

// Publisher is the write side of the bus. Components that only emit events
// depend on this instead of *Bus.
type Publisher interface {
	Publish(event Event)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription delivers to its handler from a dedicated goroutine so that a
// single subscriber observes events in publish order.
type subscription struct {
	id         int
	eventTypes []EventType
	queue      chan Event
	done       chan struct{}
}

// Bus is an in-memory event bus using Go channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	bufferSize  int
	ringBuffer  *RingBuffer
	closed      bool
	done        chan struct{}
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		bufferSize:  bufferSize,
		ringBuffer:  NewRingBuffer(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.ringBuffer.Add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
			continue
		default:
		}
		if IsSubscribable(event.Type) && b.wait(sub.queue, event) {
			continue
		}
		slog.Warn("events: subscriber queue full, dropping event", "subscriber", sub.id, "type", event.Type)
	}
}

func (s *subscription) matches(event Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. Events published after Close are
// dropped. While the dispatch buffer is full, agent and task lifecycle events
// wait up to lifecycleWait for room; everything else is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	select {
	case b.eventChan <- event:
		return
	default:
	}
	if IsSubscribable(event.Type) && b.wait(b.eventChan, event) {
		return
	}
	slog.Warn("events: bus buffer full, dropping event", "type", event.Type)
}

// wait blocks until ch accepts event, the bus closes, or lifecycleWait
// passes. It reports whether event was sent.
func (b *Bus) wait(ch chan<- Event, event Event) bool {
	t := time.NewTimer(lifecycleWait)
	defer t.Stop()
	select {
	case ch <- event:
		return true
	case <-b.done:
		return false
	case <-t.C:
		return false
	}
}

// PublishAsync sends an event with context cancellation support.
func (b *Bus) PublishAsync(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBusClosed
	}

	select {
	case b.eventChan <- event:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a handler for specific event types.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscription{
		id:         id,
		eventTypes: eventTypes,
		queue:      make(chan Event, b.bufferSize),
		done:       make(chan struct{}),
	}
	b.subscribers[id] = sub

	go func() {
		defer close(sub.done)
		for e := range sub.queue {
			handler(e)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub.queue)
			}
			b.mu.Unlock()
		})
	}
}

// SubscribeChan returns a channel that receives events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the event bus and releases every subscriber goroutine.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.queue)
	}
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}
