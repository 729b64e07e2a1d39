// Package bus is the in-process notification fan-out. Publishers never
// block: a subscriber that cannot keep up loses events, and the loss is
// counted rather than propagated.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a session-scoped notification. Events are published only after
// the underlying write has committed.
type Event struct {
	Name      string    `json:"event"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives events for one session.
type Subscriber struct {
	ID        string
	SessionID string
	C         <-chan Event

	ch chan Event
}

// Bus routes events to per-session subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscriber // sessionID -> subscriberID
	buffer  int
	dropped atomic.Int64
	logger  *slog.Logger
}

// New creates a bus. buffer is the per-subscriber channel depth.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]map[string]*Subscriber),
		buffer: buffer,
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a new subscriber for the session.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan Event, b.buffer),
	}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscriber)
	}
	b.subs[sessionID][sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := byID[sub.ID]; !ok {
		return
	}
	delete(byID, sub.ID)
	if len(byID) == 0 {
		delete(b.subs, sub.SessionID)
	}
	close(sub.ch)
}

// Publish delivers the event to every subscriber of its session without
// blocking. Slow subscribers drop.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped",
				"session_id", event.SessionID,
				"event", event.Name,
				"subscriber_id", sub.ID)
		}
	}
}

// SubscriberCount reports the number of subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Dropped reports the total number of events dropped since startup.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
