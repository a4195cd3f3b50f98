package scheduler

import "sync"

type jobKind string

const (
	kindMessage jobKind = "message"
	kindCheckIn jobKind = "check-in"
)

func (k jobKind) prefix() string {
	if k == kindCheckIn {
		return "chk:"
	}
	return "msg:"
}

// job is one queued firing. gen is the timer generation that produced it
// and reg the registration it belongs to; manual jobs come from RunNow.
type job struct {
	kind   jobKind
	id     string
	gen    uint64
	reg    uint64
	manual bool
}

func (j job) key() string { return j.kind.prefix() + j.id }

// queue is the unbounded FIFO every firing goes through. push never blocks,
// so it is safe to call from timer callbacks.
type queue struct {
	mu     sync.Mutex
	items  []job
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return job{}, false
	}
	j := q.items[0]
	q.items[0] = job{}
	q.items = q.items[1:]
	return j, true
}

// clear drops every queued job and returns how many there were.
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
