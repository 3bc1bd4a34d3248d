package bridge

import (
	"time"

	"github.com/replyline/replyline/internal/transport"
)

// Wire frames exchanged with the bridge. Asynchronous events carry no ref;
// request/response pairs are correlated by ref.
type frame struct {
	Type   string `json:"type"`
	Ref    string `json:"ref,omitempty"`
	Reason string `json:"reason,omitempty"`

	// qr
	Data string `json:"data,omitempty"`

	// message / message_ack
	Message *wireMessage `json:"message,omitempty"`
	ID      string       `json:"id,omitempty"`
	Ack     *int         `json:"ack,omitempty"`

	// requests
	To    string `json:"to,omitempty"`
	Body  string `json:"body,omitempty"`
	Chat  string `json:"chat,omitempty"`
	Limit int    `json:"limit,omitempty"`

	// result
	Error    string        `json:"error,omitempty"`
	Chats    []wireChat    `json:"chats,omitempty"`
	Messages []wireMessage `json:"messages,omitempty"`
}

// wireMessage carries timestamps as unix seconds, matching the bridge.
type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
}

type wireChat struct {
	ID           string `json:"id"`
	IsGroup      bool   `json:"is_group"`
	LastActivity int64  `json:"last_activity"`
}

func (m wireMessage) toTransport() transport.Message {
	return transport.Message{
		ID:        m.ID,
		From:      m.From,
		Body:      m.Body,
		FromMe:    m.FromMe,
		Timestamp: time.Unix(m.Timestamp, 0),
	}
}

func (c wireChat) toTransport() transport.ChatSummary {
	return transport.ChatSummary{
		ID:           c.ID,
		IsGroup:      c.IsGroup,
		LastActivity: time.Unix(c.LastActivity, 0),
	}
}
