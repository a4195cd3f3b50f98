package events

import (
	"sync"
	"testing"
	"time"
)

func idle(session string) AgentEventPayload {
	return AgentEventPayload{Kind: EventAgentIdle, MemberID: "m1", SessionName: session, AgentStatus: "active", WorkingStatus: "idle"}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventAgentIdle)

	bus.Publish(NewTypedEvent(SourceMonitor, idle("dev-1")))
	bus.Publish(NewTypedEvent(SourceTasks, TaskEventPayload{Kind: EventTaskCreated, TaskID: "t1", Status: "open"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventAgentIdle {
		t.Errorf("expected agent:idle, got %s", received[0].Type)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewTypedEvent(SourceMonitor, idle("dev-1")))
	bus.Publish(NewTypedEvent(SourceScheduler, ScheduleFiredPayload{ScheduleID: "s1", Kind: "message", Target: "dev-1"}))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewBus(256)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(256, EventAgentIdle)
	defer unsub()

	for i := 0; i < 100; i++ {
		bus.Publish(NewEvent(EventAgentIdle, SourceMonitor, map[string]any{"i": i}))
	}

	for want := 0; want < 100; want++ {
		select {
		case e := <-ch:
			got, _ := e.Payload["i"].(int)
			if got != want {
				t.Fatalf("expected event %d, got %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", want)
		}
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsub := bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsub()
	unsub()

	bus.Publish(NewTypedEvent(SourceMonitor, idle("dev-1")))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", count)
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(8)
	bus.Close()
	bus.Close()

	bus.Publish(NewTypedEvent(SourceMonitor, idle("dev-1")))
	if err := bus.PublishAsync(t.Context(), NewTypedEvent(SourceMonitor, idle("dev-1"))); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventAgentBusy, SourceMonitor, map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Payload["i"] != 2 || events[2].Payload["i"] != 4 {
		t.Errorf("expected oldest-first window [2..4], got %v..%v", events[0].Payload["i"], events[2].Payload["i"])
	}

	rb.Clear()
	if got := rb.Get(10); got != nil {
		t.Errorf("expected empty buffer after clear, got %d events", len(got))
	}
}

func TestSubscribeChan(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	ch, unsub := bus.SubscribeChan(8, EventTaskBlocked)
	defer unsub()

	bus.Publish(NewTypedEvent(SourceTasks, TaskEventPayload{Kind: EventTaskBlocked, TaskID: "t1", Status: "blocked"}))

	select {
	case e := <-ch:
		if e.Type != EventTaskBlocked {
			t.Errorf("expected task:blocked, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestIsSubscribable(t *testing.T) {
	for _, et := range []EventType{EventAgentIdle, EventAgentStatusChanged, EventTaskDelegated} {
		if !IsSubscribable(et) {
			t.Errorf("expected %s to be subscribable", et)
		}
	}
	for _, et := range []EventType{EventScheduleFired, "agent:unknown", ""} {
		if IsSubscribable(et) {
			t.Errorf("expected %q to be rejected", et)
		}
	}
}

func TestBusLifecycleEventsWaitForRoom(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var received int
	bus.Subscribe(func(e Event) {
		<-release
		mu.Lock()
		received++
		mu.Unlock()
	}, EventAgentIdle)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for range 5 {
			bus.Publish(NewTypedEvent(SourceMonitor, idle("dev-1")))
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-published

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := received
		mu.Unlock()
		if n == 5 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("expected all 5 lifecycle events, got %d", received)
}
