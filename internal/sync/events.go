package sync

import (
	gosync "sync"
	"time"
)

// EventType identifies a sync lifecycle event
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is emitted by the service for every cycle. Each SyncAccount call
// produces exactly one started event followed by one completed or failed.
type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id"`
	Processed int       `json:"processed,omitempty"`
	Total     int       `json:"total,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// defaultEventBuffer matches the per-subscriber capacity of the broadcast channel
const defaultEventBuffer = 100

// Subscription receives events until closed
type Subscription struct {
	C <-chan Event

	ch     chan Event
	b      *Broadcaster
	once   gosync.Once
	closed bool
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s)
	})
}

// Broadcaster fans events out to subscribers. Publish never blocks: when a
// subscriber's buffer is full its oldest event is dropped.
type Broadcaster struct {
	mu     gosync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Publish delivers ev to every subscriber without blocking
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Full: drop the oldest buffered event and retry once
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Len returns the number of active subscribers
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	delete(b.subs, sub)
	sub.closed = true
	close(sub.ch)
}
