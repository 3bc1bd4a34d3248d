package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/pkg/metrics"
)

// Pipeline handles a freshly persisted, non-duplicate inbound message
// (reply generation + delivery). It runs on its own goroutine.
type Pipeline func(ctx context.Context, msg bus.InboundMessage)

// Router is the ingestion entry point shared by the push path and the
// polling sweeper.
type Router struct {
	window   *Window
	conv     *store.Conversations
	pipeline Pipeline
}

// NewRouter creates the router. pipeline may be nil (ingest-only mode,
// used by tests).
func NewRouter(window *Window, conv *store.Conversations, pipeline Pipeline) *Router {
	return &Router{window: window, conv: conv, pipeline: pipeline}
}

// Ingest processes one inbound message. Ordering is the load-bearing
// invariant: the dedup gate comes before any side effect, so at most one
// thread entry and one reply result per physical message even when both
// delivery paths race.
func (r *Router) Ingest(ctx context.Context, msg bus.InboundMessage) {
	if msg.TenantID == "" || msg.ExternalMessageID == "" || msg.Body == "" {
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	if r.window.Seen(msg.TenantID, msg.ExternalMessageID) {
		metrics.MessagesDuplicate.Inc()
		slog.Debug("duplicate message discarded",
			"tenant_id", msg.TenantID,
			"external_id", msg.ExternalMessageID,
			"source", msg.Source)
		return
	}

	metrics.MessagesIngested.WithLabelValues(msg.Source).Inc()
	if msg.Source == bus.SourceSweep {
		metrics.SweepRecovered.Inc()
	}

	slog.Info("message ingested",
		"tenant_id", msg.TenantID,
		"peer", msg.PeerAddress,
		"external_id", msg.ExternalMessageID,
		"source", msg.Source)

	if err := r.conv.Append(ctx, msg.TenantID, msg.PeerAddress, store.ThreadMessage{
		Text:      msg.Body,
		Sender:    store.SenderCustomer,
		Timestamp: msg.ReceivedAt,
	}); err != nil {
		// The facade degrades rather than fails; anything surfacing here
		// is unexpected but must not stop the reply.
		slog.Error("persist inbound failed", "tenant_id", msg.TenantID, "error", err)
	}

	if r.pipeline != nil {
		// Reply generation and delivery run off the ingest path so a slow
		// completion call never blocks the tenant's event loop.
		go r.pipeline(context.WithoutCancel(ctx), msg)
	}
}
