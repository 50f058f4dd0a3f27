package engine

import (
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/sched"
	"github.com/nhle/mailsync/internal/task"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	// EventPlanned fires when a unit is durably planned and schedulable.
	EventPlanned EventType = "planned"
	// EventExecuting fires when a unit's execute logic starts.
	EventExecuting EventType = "executing"
	// EventCompleted fires after a successful commit.
	EventCompleted EventType = "completed"
	// EventRetrying fires when a transient failure schedules a re-plan.
	EventRetrying EventType = "retrying"
	// EventFailed fires on permanent failure.
	EventFailed EventType = "failed"
	// EventCancelled fires when a unit is cancelled before execution.
	EventCancelled EventType = "cancelled"
)

// Event is one lifecycle notification. Carried for observability
// only; no caller blocks on these.
type Event struct {
	Type     EventType
	Unit     sched.UnitID
	TaskType task.Type
	Attempts int
	Err      string
	Time     time.Time
}

// Bus fans lifecycle events out to subscribers. Publish never blocks:
// a subscriber whose channel is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving every published event.
// bufSize defaults to 256 when not positive.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish stamps and delivers the event to all subscribers.
func (b *Bus) Publish(ev Event) {
	ev.Time = time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is behind; drop rather than block the engine.
		}
	}
}

// Close closes all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}
