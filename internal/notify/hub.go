// Package notify fans job events out to live observers such as open SSE streams.
package notify

import (
	"log/slog"
	"sync"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
)

// DefaultBuffer is the per-observer event buffer used when none is configured
const DefaultBuffer = 32

// Observer receives events on C until it leaves or is dropped, at which point C is closed
type Observer struct {
	C <-chan domain.Event

	ch     chan domain.Event
	mu     sync.Mutex
	closed bool
}

// offer delivers ev without blocking. It reports false when the buffer is full.
func (o *Observer) offer(ev domain.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return true
	}

	select {
	case o.ch <- ev:
		return true
	default:
		return false
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}

// Hub keeps the set of live observers. Broadcasting never blocks on a slow
// observer; an observer that cannot keep up is dropped.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool

	// serialises broadcasts so every observer sees events in the same order
	broadcastMu sync.Mutex
}

// NewHub creates a hub whose observers buffer up to buffer events
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:    buffer,
		logger:    logger,
		observers: make(map[*Observer]struct{}),
	}
}

// Join registers a new observer. Joining a closed hub returns an observer whose channel is already closed.
func (h *Hub) Join() *Observer {
	ch := make(chan domain.Event, h.buffer)
	o := &Observer{C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		o.close()
		return o
	}
	h.observers[o] = struct{}{}

	h.logger.Debug("Observer joined", slog.Int("observers", len(h.observers)))
	return o
}

// Leave unregisters o and closes its channel. Leaving twice is a no-op.
func (h *Hub) Leave(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	remaining := len(h.observers)
	h.mu.Unlock()

	o.close()
	if ok {
		h.logger.Debug("Observer left", slog.Int("observers", remaining))
	}
}

// Broadcast offers ev to every observer present when the call starts. Each
// observer receives its own copy of the record.
func (h *Hub) Broadcast(ev domain.Event) {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.RLock()
	snapshot := make([]*Observer, 0, len(h.observers))
	for o := range h.observers {
		snapshot = append(snapshot, o)
	}
	h.mu.RUnlock()

	for _, o := range snapshot {
		if o.offer(ev.Clone()) {
			continue
		}

		h.logger.Warn("Dropping slow observer",
			slog.String("event", ev.Type),
			slog.Int("buffer", h.buffer),
		)
		h.Leave(o)
	}
}

// Len returns the number of registered observers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close drops every observer. Later joins get closed observers.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[*Observer]struct{})
	h.closed = true
	h.mu.Unlock()

	for o := range observers {
		o.close()
	}
}
