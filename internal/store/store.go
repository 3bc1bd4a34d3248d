// Package store provides the persistence facade: a uniform get/put/append
// document interface over tenant config and conversation history, with a
// live SQL backend and an in-memory stand-in it degrades to when the backing
// store becomes unreachable.
package store

import "context"

// Record is one document. Values must be JSON-serializable.
type Record map[string]any

// Backend is a document store keyed by collection and key.
type Backend interface {
	// Get returns the document, or found=false if it does not exist.
	Get(ctx context.Context, collection, key string) (rec Record, found bool, err error)

	// Put writes the document, replacing any existing one. Retrying a Put
	// with the same value is safe.
	Put(ctx context.Context, collection, key string, rec Record) error

	// Append adds value to the named array field of the document, creating
	// the document if needed, and bumps its updatedAt stamp.
	Append(ctx context.Context, collection, key, field string, value any) error

	// Ping probes backend liveness.
	Ping(ctx context.Context) error

	Close() error
}

// Collections used by the relay core. The layout is store-agnostic:
// "sessions" is keyed by tenant id, "conversations" by "tenantID:peer".
const (
	CollectionSessions      = "sessions"
	CollectionConversations = "conversations"
)
