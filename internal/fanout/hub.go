// Package fanout routes per-token observations to interested websocket
// subscribers. Interest is either an explicit token set or the sentinel
// "all". Delivery is lossy on slow consumers: a failed send disconnects
// that subscriber and never blocks peers.
package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/spreadwatch/spreadwatch/internal/metrics"
	"github.com/spreadwatch/spreadwatch/internal/model"
)

// tokenAll is the interest sentinel for "every token".
const tokenAll = "*"

const writeTimeout = 10 * time.Second

// SnapshotSource serves initial state for fresh subscriptions.
type SnapshotSource interface {
	Filtered(tokens []string) map[string]model.Observation
}

// Subscriber is one connected transport handle.
type Subscriber struct {
	id   uuid.UUID
	conn *websocket.Conn

	// gorilla allows one concurrent writer per connection.
	writeMu sync.Mutex
}

func (s *Subscriber) send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

// Hub is the process-wide fan-out manager.
type Hub struct {
	snapshots SnapshotSource
	metrics   *metrics.Metrics

	mu           sync.Mutex
	subscribers  map[*Subscriber]struct{}
	byToken      map[string]map[*Subscriber]struct{}
	bySubscriber map[*Subscriber]map[string]struct{}
	closed       bool
}

// NewHub creates a hub serving initial state from snapshots.
func NewHub(snapshots SnapshotSource, m *metrics.Metrics) *Hub {
	return &Hub{
		snapshots:    snapshots,
		metrics:      m,
		subscribers:  make(map[*Subscriber]struct{}),
		byToken:      make(map[string]map[*Subscriber]struct{}),
		bySubscriber: make(map[*Subscriber]map[string]struct{}),
	}
}

// Connect registers an accepted websocket connection. Returns nil when
// the hub is shutting down.
func (h *Hub) Connect(conn *websocket.Conn) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	sub := &Subscriber{id: uuid.New(), conn: conn}
	h.subscribers[sub] = struct{}{}
	h.bySubscriber[sub] = make(map[string]struct{})

	h.metrics.SetSubscribers(len(h.subscribers))
	log.Info().Str("subscriber", sub.id.String()).Int("total", len(h.subscribers)).Msg("Subscriber connected")
	return sub
}

// Disconnect removes a subscriber from every table and closes its
// transport. Safe to call more than once.
func (h *Hub) Disconnect(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subscribers[sub]
	if present {
		delete(h.subscribers, sub)
		for token := range h.bySubscriber[sub] {
			h.dropInterestLocked(sub, token)
		}
		delete(h.bySubscriber, sub)
	}
	total := len(h.subscribers)
	h.mu.Unlock()

	if !present {
		return
	}

	sub.conn.Close()
	h.metrics.SetSubscribers(total)
	log.Info().Str("subscriber", sub.id.String()).Int("total", total).Msg("Subscriber disconnected")
}

func (h *Hub) dropInterestLocked(sub *Subscriber, token string) {
	if set, ok := h.byToken[token]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byToken, token)
		}
	}
}

// Subscribe adds tokens to the subscriber's interest set. Re-subscribing
// an already-subscribed token is a no-op.
func (h *Hub) Subscribe(sub *Subscriber, tokens []string) {
	h.mu.Lock()
	for _, token := range tokens {
		if h.byToken[token] == nil {
			h.byToken[token] = make(map[*Subscriber]struct{})
		}
		h.byToken[token][sub] = struct{}{}
		if h.bySubscriber[sub] != nil {
			h.bySubscriber[sub][token] = struct{}{}
		}
	}
	h.mu.Unlock()

	log.Debug().Str("subscriber", sub.id.String()).Strs("tokens", tokens).Msg("Subscribed")
}

// SubscribeAll marks the subscriber interested in every token.
func (h *Hub) SubscribeAll(sub *Subscriber) {
	h.Subscribe(sub, []string{tokenAll})
}

// Unsubscribe removes tokens from the subscriber's interest set.
func (h *Hub) Unsubscribe(sub *Subscriber, tokens []string) {
	h.mu.Lock()
	for _, token := range tokens {
		h.dropInterestLocked(sub, token)
		if h.bySubscriber[sub] != nil {
			delete(h.bySubscriber[sub], token)
		}
	}
	h.mu.Unlock()

	log.Debug().Str("subscriber", sub.id.String()).Strs("tokens", tokens).Msg("Unsubscribed")
}

// Deliver sends one token's observation to the union of its explicit
// subscribers and the "all" subscribers, each exactly once. The tables
// are only held while computing recipients; sends happen outside the
// lock, and a failed send disconnects that subscriber alone.
func (h *Hub) Deliver(token string, obs model.Observation) {
	h.mu.Lock()
	recipients := make(map[*Subscriber]struct{})
	for sub := range h.byToken[tokenAll] {
		recipients[sub] = struct{}{}
	}
	for sub := range h.byToken[token] {
		recipients[sub] = struct{}{}
	}
	h.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	frame := outFrame{Type: typeData, Payload: map[string]model.Observation{token: obs}}

	var failed []*Subscriber
	for sub := range recipients {
		if err := sub.send(frame); err != nil {
			log.Warn().Err(err).Str("subscriber", sub.id.String()).Msg("Delivery failed, disconnecting subscriber")
			failed = append(failed, sub)
			continue
		}
		h.metrics.FrameDelivered()
	}
	for _, sub := range failed {
		h.Disconnect(sub)
	}
}

// HandleMessage processes one incoming frame from a subscriber. The only
// subscriber-visible failure is an error frame for a malformed message.
func (h *Hub) HandleMessage(sub *Subscriber, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		sub.send(outFrame{Type: typeError, Payload: errorPayload{Message: "Invalid JSON"}})
		return
	}

	switch frame.Type {
	case typeSubscribe:
		tokens := parseTokens(frame.Payload)
		if len(tokens) == 0 {
			return
		}
		h.Subscribe(sub, tokens)
		if err := sub.send(outFrame{Type: typeSubscribed, Payload: tokensPayload{Tokens: tokens}}); err != nil {
			h.Disconnect(sub)
			return
		}
		if initial := h.snapshots.Filtered(tokens); len(initial) > 0 {
			if err := sub.send(outFrame{Type: typeInitialData, Payload: initial}); err != nil {
				h.Disconnect(sub)
			}
		}

	case typeSubscribeAll:
		h.SubscribeAll(sub)
		if err := sub.send(outFrame{Type: typeSubscribed, Payload: allPayload{All: true}}); err != nil {
			h.Disconnect(sub)
		}

	case typeUnsubscribe:
		tokens := parseTokens(frame.Payload)
		if len(tokens) == 0 {
			return
		}
		h.Unsubscribe(sub, tokens)
		if err := sub.send(outFrame{Type: typeUnsubscribed, Payload: tokensPayload{Tokens: tokens}}); err != nil {
			h.Disconnect(sub)
		}

	case typePing:
		if err := sub.send(outFrame{Type: typePong, Payload: emptyPayload{}}); err != nil {
			h.Disconnect(sub)
		}

	default:
		sub.send(outFrame{Type: typeError, Payload: errorPayload{Message: "Unknown message type: " + frame.Type}})
	}
}

func parseTokens(payload json.RawMessage) []string {
	if len(payload) == 0 {
		return nil
	}
	var p tokensPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return p.Tokens
}

// Shutdown stops accepting subscribers and closes every transport.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		h.Disconnect(sub)
	}
	log.Info().Int("closed", len(subs)).Msg("Fan-out hub shut down")
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// SubscribedTokens returns every token with at least one explicit
// subscription, excluding the "all" sentinel.
func (h *Hub) SubscribedTokens() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	tokens := make([]string, 0, len(h.byToken))
	for token := range h.byToken {
		if token != tokenAll {
			tokens = append(tokens, token)
		}
	}
	return tokens
}
