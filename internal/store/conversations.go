package store

import (
	"context"
	"encoding/json"
	"time"
)

// Message senders within a conversation thread.
const (
	SenderCustomer = "customer"
	SenderAgent    = "agent"
)

// ThreadMessage is one entry of a conversation thread.
type ThreadMessage struct {
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversations is the typed view over the "conversations" collection.
// Threads are keyed by tenantID:peerAddress and hold an append-only message
// sequence; this subsystem never deletes them.
type Conversations struct {
	st *Facade
}

// NewConversations wraps the facade.
func NewConversations(st *Facade) *Conversations {
	return &Conversations{st: st}
}

func threadKey(tenantID, peer string) string {
	return tenantID + ":" + peer
}

// Append adds one message to the thread, creating it on first contact.
func (c *Conversations) Append(ctx context.Context, tenantID, peer string, msg ThreadMessage) error {
	key := threadKey(tenantID, peer)

	// First contact: seed thread metadata before the first append.
	if _, found, err := c.st.Get(ctx, CollectionConversations, key); err == nil && !found {
		now := time.Now().UTC()
		_ = c.st.Put(ctx, CollectionConversations, key, Record{
			"tenantId":      tenantID,
			"customerPhone": peer,
			"createdAt":     now,
			"updatedAt":     now,
		})
	}

	return c.st.Append(ctx, CollectionConversations, key, "messages", msg)
}

// History returns up to the last limit messages of the thread, oldest first.
// limit <= 0 returns the whole thread.
func (c *Conversations) History(ctx context.Context, tenantID, peer string, limit int) ([]ThreadMessage, error) {
	rec, found, err := c.st.Get(ctx, CollectionConversations, threadKey(tenantID, peer))
	if err != nil || !found {
		return nil, err
	}

	msgs, err := decodeMessages(rec["messages"])
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// decodeMessages normalizes the messages field. Backends surface it either
// as typed ThreadMessage values (memory) or generic JSON maps (SQL); a JSON
// round-trip unifies both.
func decodeMessages(v any) ([]ThreadMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var msgs []ThreadMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
