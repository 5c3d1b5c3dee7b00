package events

import (
	"sync"
	"time"

	"task-outbox/internal/models"
)

// Hub is an in-memory pub/sub broker for outbox changes.
// Publish never blocks: a subscriber whose buffer is full misses the change
// and is expected to re-read the snapshot.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan models.Change]struct{}
	bufSize int
}

func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 16
	}
	return &Hub{
		subs:    make(map[chan models.Change]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel and an unsubscribe function.
// Calling the unsubscribe function more than once is safe.
func (h *Hub) Subscribe() (<-chan models.Change, func()) {
	ch := make(chan models.Change, h.bufSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, ch)
			close(ch)
		})
	}
}

// Publish sends a change to every subscriber.
func (h *Hub) Publish(c models.Change) {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- c:
		default:
			// drop if subscriber is slow
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
