package dashboard

import (
	"sync"

	"github.com/zulandar/flagyard/internal/relay"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind than this loses updates rather than blocking the
// relay's event path.
const subscriberBuffer = 64

// Hub implements relay.Publisher and fans updates out to SSE subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan relay.Update]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan relay.Update]struct{})}
}

// Publish implements relay.Publisher. Non-blocking.
func (h *Hub) Publish(update relay.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

// Subscribe registers a new listener. Call the returned cancel func to
// detach.
func (h *Hub) Subscribe() (<-chan relay.Update, func()) {
	ch := make(chan relay.Update, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}
