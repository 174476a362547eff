// Live usage event stream over websocket.
//
// DESIGN: Every recorded sub-call is published to a hub; subscribers get a
// JSON event per sub-call for their own user. Slow subscribers are dropped
// rather than buffered without bound, a consumer can always reconcile from
// GET /v1/usage after a reconnect.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/utils"
)

// UsageEvent is one live accounting event.
type UsageEvent struct {
	UserID        string    `json:"userId"`
	TransactionID string    `json:"transactionId"`
	SubcallType   string    `json:"subcallType"`
	Model         string    `json:"model"`
	TotalTokens   int64     `json:"totalTokens"`
	At            time.Time `json:"at"`
}

const subscriberBuffer = 16

type subscriber struct {
	userID string
	events chan UsageEvent
}

// Hub fans usage events out to websocket subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates an empty event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Publish delivers an event to every subscriber watching its user. Full
// subscriber buffers drop the event for that subscriber.
func (h *Hub) Publish(ev UsageEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches all subscribers; their read loops end.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.events)
	}
	h.subs = make(map[*subscriber]struct{})
}

func (h *Hub) subscribe(userID string) (*subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	sub := &subscriber{userID: userID, events: make(chan UsageEvent, subscriberBuffer)}
	h.subs[sub] = struct{}{}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.events)
	}
}

// handleStream upgrades to a websocket and streams the caller's usage events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", uid).Msg("server: websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub, ok := s.hub.subscribe(uid)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer s.hub.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.events:
			if !open {
				return
			}
			payload, err := utils.MarshalNoEscape(ev)
			if err != nil {
				log.Error().Err(err).Msg("server: marshal usage event")
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
