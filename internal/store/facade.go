package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/replyline/replyline/pkg/metrics"
)

// Facade serves all storage operations. While the live backend is healthy it
// is used directly; on the first unrecoverable error the facade flips to
// degraded mode and serves everything from the in-memory stand-in for the
// rest of the process lifetime. Callers never see the switch — only
// durability is lost.
type Facade struct {
	live     Backend
	mem      *MemBackend
	degraded atomic.Bool

	// appendMu serializes Append per (collection, key) so read-modify-write
	// backends stay consistent without row locks.
	appendMu sync.Map // string → *sync.Mutex
}

// NewFacade wraps a live backend. A nil live backend starts degraded
// (memory-only), which is also how the "memory" store driver is expressed.
func NewFacade(live Backend) *Facade {
	f := &Facade{live: live, mem: NewMemBackend()}
	if live == nil {
		f.degraded.Store(true)
		metrics.StoreDegraded.Set(1)
	}
	return f
}

// Degraded reports whether operations are currently served from memory.
func (f *Facade) Degraded() bool { return f.degraded.Load() }

// degrade flips to memory-only mode. Sticky: no automatic flip back except
// through an explicit re-probe. A canceled or expired caller context says
// nothing about backend health, so it never trips the switch.
func (f *Facade) degrade(op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if f.degraded.CompareAndSwap(false, true) {
		metrics.StoreDegraded.Set(1)
		slog.Error("persistence backend unavailable, degrading to in-memory store",
			"op", op, "error", err)
	}
}

// StartReprobe periodically probes the live backend and restores it for new
// operations when it answers again. Documents written while degraded stay
// memory-only. Interval <= 0 disables re-probing.
func (f *Facade) StartReprobe(ctx context.Context, interval time.Duration) {
	if f.live == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !f.degraded.Load() {
					continue
				}
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := f.live.Ping(probeCtx)
				cancel()
				if err == nil && f.degraded.CompareAndSwap(true, false) {
					metrics.StoreDegraded.Set(0)
					slog.Info("persistence backend recovered, leaving degraded mode")
				}
			}
		}
	}()
}

func (f *Facade) Get(ctx context.Context, collection, key string) (Record, bool, error) {
	if !f.degraded.Load() {
		rec, found, err := f.live.Get(ctx, collection, key)
		if err == nil {
			return rec, found, nil
		}
		f.degrade("get", err)
	}
	return f.mem.Get(ctx, collection, key)
}

func (f *Facade) Put(ctx context.Context, collection, key string, rec Record) error {
	if !f.degraded.Load() {
		err := f.live.Put(ctx, collection, key, rec)
		if err == nil {
			return nil
		}
		f.degrade("put", err)
	}
	return f.mem.Put(ctx, collection, key, rec)
}

func (f *Facade) Append(ctx context.Context, collection, key, field string, value any) error {
	mu := f.keyMutex(collection + "\x00" + key)
	mu.Lock()
	defer mu.Unlock()

	if !f.degraded.Load() {
		err := f.live.Append(ctx, collection, key, field, value)
		if err == nil {
			return nil
		}
		f.degrade("append", err)
	}
	return f.mem.Append(ctx, collection, key, field, value)
}

// Close closes the live backend.
func (f *Facade) Close() error {
	if f.live == nil {
		return nil
	}
	return f.live.Close()
}

func (f *Facade) keyMutex(key string) *sync.Mutex {
	if mu, ok := f.appendMu.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := f.appendMu.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
