package sweep

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/ingest"
	"github.com/replyline/replyline/internal/transport"
	"github.com/replyline/replyline/pkg/metrics"
)

// Source exposes the session reads the sweeper needs. Satisfied by
// *session.Manager.
type Source interface {
	Chats(ctx context.Context, tenantID string, limit int) ([]transport.ChatSummary, error)
	Messages(ctx context.Context, tenantID, chatID string, limit int) ([]transport.Message, error)
}

// Options tunes the polling sweeper.
type Options struct {
	// Interval between sweeps of one tenant.
	Interval time.Duration
	// Grace is how long after a session turns ready before the first sweep.
	Grace time.Duration
	// ChatLimit caps how many recent chats each sweep inspects.
	ChatLimit int
	// MessageLimit caps messages fetched per chat.
	MessageLimit int
	// DeepSchedule is a cron expression for the deep sweep; empty disables it.
	DeepSchedule string
	// DeepMessageLimit caps messages per chat during a deep sweep.
	DeepMessageLimit int
	// RatePerSecond throttles transport reads across all tenants.
	RatePerSecond float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Grace <= 0 {
		o.Grace = 30 * time.Second
	}
	if o.ChatLimit <= 0 {
		o.ChatLimit = 20
	}
	if o.MessageLimit <= 0 {
		o.MessageLimit = 5
	}
	if o.DeepMessageLimit <= 0 {
		o.DeepMessageLimit = 50
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 5
	}
	return o
}

type tenantSweep struct {
	cancel   context.CancelFunc
	running  atomic.Bool
	lastDeep atomic.Int64

	mu        sync.Mutex
	lastSwept time.Time
}

// Sweeper polls each ready tenant's recent chats for messages the push
// path missed and feeds them back through ingestion, where the dedup
// window makes the overlap harmless.
type Sweeper struct {
	source  Source
	router  *ingest.Router
	limiter *rate.Limiter
	cron    *gronx.Gronx

	optsMu sync.RWMutex
	opts   Options

	mu      sync.Mutex
	tenants map[string]*tenantSweep
}

func New(source Source, router *ingest.Router, opts Options) *Sweeper {
	opts = opts.withDefaults()
	return &Sweeper{
		source:  source,
		router:  router,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1),
		cron:    gronx.New(),
		tenants: make(map[string]*tenantSweep),
	}
}

// Reconfigure applies new tunables. Running loops pick up the interval
// on their next tick; the rate limit changes immediately.
func (s *Sweeper) Reconfigure(opts Options) {
	opts = opts.withDefaults()
	s.optsMu.Lock()
	s.opts = opts
	s.optsMu.Unlock()
	s.limiter.SetLimit(rate.Limit(opts.RatePerSecond))
}

func (s *Sweeper) options() Options {
	s.optsMu.RLock()
	defer s.optsMu.RUnlock()
	return s.opts
}

// Start begins the sweep loop for a tenant. Called when its session
// turns ready; a second Start for the same tenant is a no-op.
func (s *Sweeper) Start(ctx context.Context, tenantID string) {
	s.mu.Lock()
	if _, ok := s.tenants[tenantID]; ok {
		s.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	ts := &tenantSweep{cancel: cancel, lastSwept: time.Now()}
	s.tenants[tenantID] = ts
	s.mu.Unlock()

	go s.loop(tctx, tenantID, ts)
}

// Stop halts a tenant's loop. Called when its session drops.
func (s *Sweeper) Stop(tenantID string) {
	s.mu.Lock()
	ts, ok := s.tenants[tenantID]
	if ok {
		delete(s.tenants, tenantID)
	}
	s.mu.Unlock()
	if ok {
		ts.cancel()
	}
}

func (s *Sweeper) loop(ctx context.Context, tenantID string, ts *tenantSweep) {
	// Let the session settle and the push path drain its backlog first,
	// otherwise the first sweep re-reads everything push already saw.
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.options().Grace):
	}

	ticker := time.NewTicker(s.options().Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deep := s.deepDue(ts)
			s.sweep(ctx, tenantID, ts, deep)
			ticker.Reset(s.options().Interval)
		}
	}
}

// deepDue checks the cron schedule and marks the minute consumed so one
// due window triggers exactly one deep sweep.
func (s *Sweeper) deepDue(ts *tenantSweep) bool {
	schedule := s.options().DeepSchedule
	if schedule == "" {
		return false
	}
	now := time.Now()
	due, err := s.cron.IsDue(schedule, now)
	if err != nil || !due {
		return false
	}
	minute := now.Truncate(time.Minute).Unix()
	return ts.lastDeep.Swap(minute) != minute
}

// sweep runs one pass. A pass that overruns the interval is skipped
// rather than stacked.
func (s *Sweeper) sweep(ctx context.Context, tenantID string, ts *tenantSweep, deep bool) {
	if !ts.running.CompareAndSwap(false, true) {
		return
	}
	defer ts.running.Store(false)

	ts.mu.Lock()
	since := ts.lastSwept
	ts.mu.Unlock()

	opts := s.options()
	msgLimit := opts.MessageLimit
	if deep {
		msgLimit = opts.DeepMessageLimit
	}

	start := time.Now()
	found := 0

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	chats, err := s.source.Chats(ctx, tenantID, opts.ChatLimit)
	if err != nil {
		slog.Warn("sweep chats fetch failed", "tenant_id", tenantID, "error", err)
		return
	}

	for _, chat := range chats {
		if chat.IsGroup {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		msgs, err := s.source.Messages(ctx, tenantID, chat.ID, msgLimit)
		if err != nil {
			slog.Warn("sweep messages fetch failed",
				"tenant_id", tenantID, "chat", chat.ID, "error", err)
			continue
		}
		for _, m := range msgs {
			if m.FromMe || m.Body == "" {
				continue
			}
			if !deep && !m.Timestamp.After(since) {
				continue
			}
			found++
			s.router.Ingest(ctx, bus.InboundMessage{
				TenantID:          tenantID,
				PeerAddress:       m.From,
				ExternalMessageID: m.ID,
				Body:              m.Body,
				ReceivedAt:        m.Timestamp,
				Source:            bus.SourceSweep,
			})
		}
	}

	// Advance only after the whole pass finished so a partial pass never
	// hides messages from the next one.
	ts.mu.Lock()
	ts.lastSwept = start
	ts.mu.Unlock()

	metrics.SweepsTotal.Inc()
	if found > 0 || deep {
		slog.Info("sweep completed", "tenant_id", tenantID,
			"deep", deep, "candidates", found, "took", time.Since(start))
	}
}

// SweepNow triggers one immediate pass for a tenant, used by the manual
// endpoint. Returns false if the tenant has no active loop.
func (s *Sweeper) SweepNow(ctx context.Context, tenantID string) bool {
	s.mu.Lock()
	ts, ok := s.tenants[tenantID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.sweep(ctx, tenantID, ts, false)
	return true
}
