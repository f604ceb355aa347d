package broadcast

import (
	"context"
	"sync"
	"time"
)

// MemoryBroadcaster is an in-process Broadcaster used in tests and
// single-process deployments without Redis.
type MemoryBroadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
}

// NewMemoryBroadcaster creates an in-memory broadcaster
func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{
		subs: make(map[string]map[int]chan Event),
	}
}

// Publish delivers the event to all current subscribers of the session
func (b *MemoryBroadcaster) Publish(ctx context.Context, sessionID string, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SessionID = sessionID

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop rather than block the publisher
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for the session
func (b *MemoryBroadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan Event)
	}
	id := b.next
	b.next++

	ch := make(chan Event, 16)
	b.subs[sessionID][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[sessionID], id)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(ch)
		})
	}

	return ch, cancel, nil
}
