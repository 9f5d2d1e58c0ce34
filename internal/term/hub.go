package term

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Output is one chunk of a session's stream, delivered to every viewer in the
// session's broadcast group.
type Output struct {
	SessionID string
	Data      string
}

// viewerBuffer is the per-viewer channel depth. Viewers that fall this far
// behind lose output rather than stall the PTY pump.
const viewerBuffer = 256

// Hub fans a session's output out to all viewers joined under its id.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]chan Output
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[string]chan Output),
		log:    log,
	}
}

// Join adds a viewer to a session's broadcast group. The subscription is
// removed when ctx ends.
func (h *Hub) Join(ctx context.Context, sessionID string) (<-chan Output, string) {
	subID := uuid.NewString()
	ch := make(chan Output, viewerBuffer)
	h.mu.Lock()
	if _, ok := h.groups[sessionID]; !ok {
		h.groups[sessionID] = make(map[string]chan Output)
	}
	h.groups[sessionID][subID] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Leave(sessionID, subID)
	}()
	return ch, subID
}

// Leave removes a viewer and closes its channel.
func (h *Hub) Leave(sessionID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[sessionID]
	if !ok {
		return
	}
	if ch, ok := group[subID]; ok {
		delete(group, subID)
		close(ch)
	}
	if len(group) == 0 {
		delete(h.groups, sessionID)
	}
}

// Publish delivers data to every viewer of the session without blocking.
func (h *Hub) Publish(sessionID, data string) {
	h.mu.RLock()
	group := h.groups[sessionID]
	targets := make([]chan Output, 0, len(group))
	for _, ch := range group {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	out := Output{SessionID: sessionID, Data: data}
	for _, ch := range targets {
		select {
		case ch <- out:
		default:
			h.log.Debug().Str("session", sessionID).Msg("dropped output for slow viewer")
		}
	}
}
