// Package transport abstracts the external chat network client.
// The actual protocol work (browser automation, pairing, encryption) happens
// in an external bridge process; a Client is one live connection to it on
// behalf of one tenant.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by client operations after the connection is gone.
var ErrClosed = errors.New("transport: connection closed")

// State is the lifecycle state of a tenant's session on the network.
type State int

const (
	StateUninitialized State = iota
	StatePairing
	StateAuthenticated
	StateReady
	StateAuthFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StatePairing:
		return "PAIRING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateAuthFailed:
		return "AUTH_FAILED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Event types emitted by the bridge.
const (
	EventQR            = "qr"
	EventReady         = "ready"
	EventAuthenticated = "authenticated"
	EventAuthFailure   = "auth_failure"
	EventDisconnected  = "disconnected"
	EventMessage       = "message"
	EventMessageAck    = "message_ack"
)

// Event is one asynchronous notification from the network.
type Event struct {
	Type    string
	QR      string   // EventQR: pairing artifact payload
	Reason  string   // EventAuthFailure / EventDisconnected
	Message *Message // EventMessage
	Ack     *Ack     // EventMessageAck
}

// Message is a network message as reported by the bridge.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// Ack is a delivery acknowledgement for a sent message.
type Ack struct {
	MessageID string `json:"id"`
	Level     int    `json:"ack"`
}

// ChatSummary identifies one peer thread known to the network.
type ChatSummary struct {
	ID           string    `json:"id"`
	IsGroup      bool      `json:"is_group"`
	LastActivity time.Time `json:"last_activity"`
}

// Client is one live session connection to the external network.
// All blocking operations take a context; Events delivers asynchronous
// notifications until the connection closes, at which point the channel
// is closed (after a final EventDisconnected unless the close was local).
type Client interface {
	// Connect establishes the connection and starts the event stream.
	Connect(ctx context.Context) error

	// Events returns the asynchronous event stream.
	Events() <-chan Event

	// SendMessage delivers text to a peer address and returns the
	// network-assigned message handle.
	SendMessage(ctx context.Context, to, body string) (string, error)

	// Chats enumerates the most recently active peer threads.
	Chats(ctx context.Context, limit int) ([]ChatSummary, error)

	// Messages fetches the most recent messages of one thread.
	Messages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// Logout signs the session out of the network.
	Logout(ctx context.Context) error

	// Destroy tears the connection down. Safe to call more than once.
	Destroy() error
}

// DialFunc constructs a fresh Client for one tenant.
type DialFunc func(tenantID string) Client
