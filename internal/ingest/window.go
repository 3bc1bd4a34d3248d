// Package ingest is the single choke point for inbound messages: both the
// push path and the polling sweeper pass through Router.Ingest, and the
// dedup window guarantees at-most-once processing per (tenant, message id).
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const windowShards = 16

// Window remembers recently processed (tenantID, externalMessageID) pairs.
// Bounded by both a time horizon and a hard entry cap; eviction never
// removes entries younger than the horizon unless the cap forces it, which
// keeps processed duplicates out for the transport's re-delivery window.
type Window struct {
	ttl        time.Duration
	maxEntries int
	shards     [windowShards]windowShard
}

type windowShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewWindow creates a dedup window. ttl <= 0 defaults to 30 minutes,
// maxEntries <= 0 to 100000.
func NewWindow(ttl time.Duration, maxEntries int) *Window {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	w := &Window{ttl: ttl, maxEntries: maxEntries}
	for i := range w.shards {
		w.shards[i].entries = make(map[string]time.Time)
	}
	return w
}

// Seen atomically tests and records the pair. Returns true if it was
// already present — the caller must then discard the message. Sharded by
// tenant so tenants do not contend on one lock.
func (w *Window) Seen(tenantID, externalMessageID string) bool {
	key := tenantID + "\x00" + externalMessageID
	sh := &w.shards[shardIndex(tenantID)]

	now := time.Now()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if at, ok := sh.entries[key]; ok && now.Sub(at) < w.ttl {
		return true
	}

	// Cap enforcement per shard: drop expired first, then oldest.
	if limit := w.maxEntries / windowShards; len(sh.entries) >= limit {
		w.evictLocked(sh, now)
	}

	sh.entries[key] = now
	return false
}

// evictLocked removes expired entries, falling back to the oldest entry
// when everything is still fresh.
func (w *Window) evictLocked(sh *windowShard, now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for k, at := range sh.entries {
		if now.Sub(at) >= w.ttl {
			delete(sh.entries, k)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	if limit := w.maxEntries / windowShards; len(sh.entries) >= limit && oldestKey != "" {
		delete(sh.entries, oldestKey)
	}
}

// Len reports the tracked entry count across shards.
func (w *Window) Len() int {
	n := 0
	for i := range w.shards {
		w.shards[i].mu.Lock()
		n += len(w.shards[i].entries)
		w.shards[i].mu.Unlock()
	}
	return n
}

// StartEviction runs periodic time-based eviction until ctx is done.
func (w *Window) StartEviction(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(time.Now())
			}
		}
	}()
}

// Sweep drops entries older than the window.
func (w *Window) Sweep(now time.Time) {
	for i := range w.shards {
		sh := &w.shards[i]
		sh.mu.Lock()
		for k, at := range sh.entries {
			if now.Sub(at) >= w.ttl {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

func shardIndex(tenantID string) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32() % windowShards)
}
