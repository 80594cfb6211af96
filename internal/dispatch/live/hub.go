package live

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/cabhaggle/internal/dispatch/domain"
)

const subscriberBuffer = 16

// Hub fans dispatch events out to the live subscribers of each session. It
// implements domain.EventPublisher and never blocks the publisher: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan domain.DispatchEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscriber]struct{})}
}

// Subscribe registers for events of one session. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID uuid.UUID) (<-chan domain.DispatchEvent, func()) {
	sub := &subscriber{ch: make(chan domain.DispatchEvent, subscriberBuffer)}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	liveSubscribers.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub.ch)
			h.mu.Unlock()
			liveSubscribers.Dec()
		})
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(_ context.Context, event domain.DispatchEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			liveDropped.Inc()
		}
	}
	return nil
}

// Subscribers returns the number of live subscribers of a session.
func (h *Hub) Subscribers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
