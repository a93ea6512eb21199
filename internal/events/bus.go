// Package events provides a small in-memory fanout bus decoupling the
// engine from its observers (websocket stream, tests).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels; slow subscribers drop events.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an engine event.
type Kind string

const (
	KindRunStarted       Kind = "run.started"
	KindRunCompleted     Kind = "run.completed"
	KindRunFailed        Kind = "run.failed"
	KindIntentDispatched Kind = "intent.dispatched"
	KindIntentCompleted  Kind = "intent.completed"
	KindIntentFailed     Kind = "intent.failed"
)

// Event is one engine lifecycle signal. Payload fields are small and
// JSON-serializable so the websocket stream can forward events verbatim.
type Event struct {
	Kind         Kind      `json:"kind"`
	Time         time.Time `json:"time"`
	UserID       string    `json:"user_id,omitempty"`
	JobType      string    `json:"job_type,omitempty"`
	RunID        int64     `json:"run_id,omitempty"`
	IntentID     int64     `json:"intent_id,omitempty"`
	Trigger      string    `json:"trigger,omitempty"`
	ItemsChecked int       `json:"items_checked,omitempty"`
	ItemsUpdated int       `json:"items_updated,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

// NewBus returns an empty bus. It owns no background goroutines.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Publish delivers e to every subscriber without blocking. Events for full
// subscriber buffers are dropped.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	// Snapshot subscribers so Publish holds no lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. A concurrent unsubscribe may close the
		// channel between snapshot and send; recover covers that window.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus an unsubscribe function. Unsubscribe is
// idempotent; the channel is closed once no more events will be delivered.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
