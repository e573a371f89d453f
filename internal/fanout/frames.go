package fanout

import "encoding/json"

// Frame is the envelope for every message on the subscriber transport,
// one JSON object per websocket frame.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// outFrame is the outgoing counterpart with an arbitrary payload.
type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Frame types accepted from subscribers.
const (
	typeSubscribe    = "subscribe"
	typeSubscribeAll = "subscribe_all"
	typeUnsubscribe  = "unsubscribe"
	typePing         = "ping"
)

// Frame types sent to subscribers.
const (
	typeSubscribed   = "subscribed"
	typeUnsubscribed = "unsubscribed"
	typePong         = "pong"
	typeInitialData  = "initial_data"
	typeData         = "data"
	typeError        = "error"
)

type tokensPayload struct {
	Tokens []string `json:"tokens"`
}

type allPayload struct {
	All bool `json:"all"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type emptyPayload struct{}
