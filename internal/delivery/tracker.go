package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/session"
	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/pkg/metrics"
)

// Sender pushes a message through a tenant's live session and returns
// the transport message handle used to correlate acks.
type Sender interface {
	Send(ctx context.Context, tenantID, to, body string) (string, error)
}

// ErrSessionNotReady is returned by Deliver when the tenant has no live
// session. No retry is scheduled for this case.
var ErrSessionNotReady = errors.New("delivery: session not ready")

// Options tunes outbound delivery and ack-driven retry.
type Options struct {
	// MaxAttempts bounds total sends for one logical message.
	MaxAttempts int
	// RetryDelay is how long to wait after an expired ack before resending.
	RetryDelay time.Duration
	// CountryCode and PeerSuffix feed address normalization.
	CountryCode string
	PeerSuffix  string
	// EvictAfter is how long terminal entries stay around for late acks.
	EvictAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.CountryCode == "" {
		o.CountryCode = "972"
	}
	if o.PeerSuffix == "" {
		o.PeerSuffix = "@c.us"
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = 10 * time.Minute
	}
	return o
}

// Delivery is the tracked state of one outbound message.
type Delivery struct {
	TenantID   string
	To         string
	Body       string
	Level      bus.AckLevel
	Attempts   int
	SentAt     time.Time
	retryArmed bool
}

// Tracker owns outbound sends and the ack lifecycle. Each logical
// message gets at most MaxAttempts sends; a resend is armed only when
// the server reports the ack expired (level NONE) before the message
// reached the server.
type Tracker struct {
	sender Sender
	conv   *store.Conversations
	opts   Options

	mu        sync.Mutex
	byHandle  map[string]*Delivery
	earlyAcks map[string]earlyAck
}

// earlyAck is an ack that arrived on the event pump before the Send call
// that produced its handle returned. Held until the handle registers.
type earlyAck struct {
	level bus.AckLevel
	seen  time.Time
}

func NewTracker(sender Sender, conv *store.Conversations, opts Options) *Tracker {
	return &Tracker{
		sender:    sender,
		conv:      conv,
		opts:      opts.withDefaults(),
		byHandle:  make(map[string]*Delivery),
		earlyAcks: make(map[string]earlyAck),
	}
}

// track registers a delivery under its handle, folding in any ack that
// beat the registration.
func (t *Tracker) track(handle string, d *Delivery) {
	t.mu.Lock()
	if ea, ok := t.earlyAcks[handle]; ok {
		delete(t.earlyAcks, handle)
		if ea.level > d.Level {
			d.Level = ea.level
		}
	}
	t.byHandle[handle] = d
	t.mu.Unlock()
}

// Deliver sends body to the raw peer address on behalf of tenantID and
// registers the message for ack tracking. The agent turn is appended to
// the thread only after the transport accepted the send.
func (t *Tracker) Deliver(ctx context.Context, tenantID, rawTo, body string) error {
	to := NormalizeAddress(rawTo, t.opts.CountryCode, t.opts.PeerSuffix)

	handle, err := t.sender.Send(ctx, tenantID, to, body)
	if err != nil {
		if errors.Is(err, session.ErrNotReady) {
			slog.Warn("delivery skipped, session not ready", "tenant_id", tenantID, "to", to)
			return ErrSessionNotReady
		}
		return err
	}

	t.track(handle, &Delivery{
		TenantID: tenantID,
		To:       to,
		Body:     body,
		Level:    bus.AckQueued,
		Attempts: 1,
		SentAt:   time.Now(),
	})

	metrics.DeliveriesTotal.Inc()

	if err := t.conv.Append(ctx, tenantID, to, store.ThreadMessage{
		Text:      body,
		Sender:    store.SenderAgent,
		Timestamp: time.Now(),
	}); err != nil {
		slog.Error("persist outbound failed", "tenant_id", tenantID, "error", err)
	}

	slog.Info("message delivered", "tenant_id", tenantID, "to", to, "handle", handle)
	return nil
}

// HandleAck applies one ack event. Levels only move forward; a report
// below what we already recorded is logged and ignored, except the
// expired signal which can arm a single resend while the message has
// not reached the server.
func (t *Tracker) HandleAck(ev bus.AckEvent) {
	t.mu.Lock()
	d, ok := t.byHandle[ev.MessageID]
	if !ok {
		// The ack can reach us before the Send that produced its handle
		// returns; keep the highest level seen until the handle shows up.
		if prev, dup := t.earlyAcks[ev.MessageID]; !dup || ev.Level > prev.level {
			t.earlyAcks[ev.MessageID] = earlyAck{level: ev.Level, seen: time.Now()}
		}
		t.mu.Unlock()
		return
	}

	switch {
	case ev.Level > d.Level:
		d.Level = ev.Level
	case ev.Level == bus.AckNone && d.Level < bus.AckServerReceived:
		if !d.retryArmed && d.Attempts < t.opts.MaxAttempts {
			d.retryArmed = true
			t.mu.Unlock()
			slog.Warn("ack expired, scheduling resend",
				"tenant_id", d.TenantID, "handle", ev.MessageID, "attempt", d.Attempts)
			time.AfterFunc(t.opts.RetryDelay, func() { t.resend(ev.MessageID) })
			return
		}
	case ev.Level < d.Level:
		slog.Warn("ack level regressed, ignoring",
			"tenant_id", d.TenantID, "handle", ev.MessageID,
			"recorded", d.Level, "reported", ev.Level)
	}
	t.mu.Unlock()
}

// resend re-issues the message under a fresh handle, carrying forward
// the attempt count so the bound holds across handles.
func (t *Tracker) resend(handle string) {
	t.mu.Lock()
	d, ok := t.byHandle[handle]
	if !ok {
		t.mu.Unlock()
		return
	}
	// The ack may have arrived during the delay; a message that made it
	// to the server does not need another copy.
	if d.Level >= bus.AckServerReceived {
		d.retryArmed = false
		t.mu.Unlock()
		return
	}
	delete(t.byHandle, handle)
	prev := *d
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	next, err := t.sender.Send(ctx, prev.TenantID, prev.To, prev.Body)
	if err != nil {
		slog.Error("resend failed", "tenant_id", prev.TenantID, "to", prev.To, "error", err)
		return
	}

	t.track(next, &Delivery{
		TenantID: prev.TenantID,
		To:       prev.To,
		Body:     prev.Body,
		Level:    bus.AckQueued,
		Attempts: prev.Attempts + 1,
		SentAt:   time.Now(),
	})

	metrics.DeliveryRetries.Inc()
	slog.Info("message resent", "tenant_id", prev.TenantID, "to", prev.To,
		"handle", next, "attempt", prev.Attempts+1)
}

// Evict drops entries older than EvictAfter. Age alone makes an entry
// stale: a delivery whose acks never arrived is not getting them after
// the window, and keeping it would grow the pending map without bound.
// Returns how many were removed.
func (t *Tracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for h, d := range t.byHandle {
		if now.Sub(d.SentAt) >= t.opts.EvictAfter {
			delete(t.byHandle, h)
			removed++
		}
	}
	// Acks for messages this tracker never sent (or sends that failed
	// after the ack raced in) would otherwise pile up here.
	for h, ea := range t.earlyAcks {
		if now.Sub(ea.seen) >= t.opts.EvictAfter {
			delete(t.earlyAcks, h)
		}
	}
	return removed
}

// StartEviction runs Evict periodically until ctx is done.
func (t *Tracker) StartEviction(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.Evict(now)
			}
		}
	}()
}

// Tracked reports the current level and attempts for a handle, for
// status surfaces and tests.
func (t *Tracker) Tracked(handle string) (Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byHandle[handle]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}
