package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
)

const defaultSubscriberBuffer = 64

// EventHub fans engine events out to websocket subscribers. A subscriber that
// falls behind loses events rather than stalling the engine.
type EventHub struct {
	mu      sync.Mutex
	buffer  int
	subs    map[chan reconcile.Event]struct{}
	dropped uint64
}

func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &EventHub{buffer: buffer, subs: map[chan reconcile.Event]struct{}{}}
}

// Publish is suitable as the engine's OnEvent hook.
func (h *EventHub) Publish(ev reconcile.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *EventHub) Subscribe() (<-chan reconcile.Event, func()) {
	ch := make(chan reconcile.Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *EventHub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// handleEvents streams events as JSON messages until the client goes away.
// ?organization= restricts the stream to one organization.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	org := r.URL.Query().Get("organization")
	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("correlation_id", correlationID).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if org != "" && ev.Organization != org {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
