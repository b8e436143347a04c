package tasks

import "encoding/json"

// Subprotocol spoken on /api/tasks/ws. The message flow follows
// graphql-transport-ws: the client opens with connection_init, then runs
// any number of subscribe/next/complete sequences keyed by id.
const Subprotocol = "graphql-transport-ws"

// Message types.
const (
	MsgConnectionInit = "connection_init"
	MsgConnectionAck  = "connection_ack"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgSubscribe      = "subscribe"
	MsgNext           = "next"
	MsgError          = "error"
	MsgComplete       = "complete"
)

// Close codes beyond the RFC 6455 range, as used by graphql-transport-ws.
const (
	CloseBadRequest          = 4400
	CloseUnauthorized        = 4401
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInitRequests = 4429
)

type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload opens a subscription to one topic for one team.
type SubscribePayload struct {
	Topic  string `json:"topic"`
	TeamID string `json:"teamId"`
}

// Update is the payload of a next message.
type Update struct {
	Topic string `json:"topic"`
	Task  Task   `json:"task"`
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

func newMessage(id, typ string, payload any) ([]byte, error) {
	m := Message{ID: id, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Payload = b
	}
	return json.Marshal(m)
}
