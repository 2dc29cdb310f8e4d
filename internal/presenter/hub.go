package presenter

import (
	"sync"

	"github.com/google/uuid"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Hub fans updates out to subscribers. Slow subscribers miss progress and
// countdown updates rather than blocking the producer; state changes and
// artifact outcomes evict the oldest buffered update instead.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan domain.Update
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]chan domain.Update{}}
}

// Subscribe registers a subscriber with a buffer of buf updates. The
// returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buf int) (string, <-chan domain.Update, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan domain.Update, buf)
	h.subs[id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		c, ok := h.subs[id]
		if !ok {
			return
		}
		delete(h.subs, id)
		close(c)
	}
	return id, ch, unsubscribe
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Present implements Presenter.
func (h *Hub) Present(u domain.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keep := mustDeliver(u.Kind)
	for _, ch := range h.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		if !keep {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
		}
	}
}

func mustDeliver(k domain.UpdateKind) bool {
	switch k {
	case domain.KindTransition, domain.KindArtifactReady, domain.KindArtifactError, domain.KindExpired:
		return true
	}
	return false
}
