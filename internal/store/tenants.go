package store

import (
	"context"
	"sync"
	"time"
)

// DefaultBusinessProfile is substituted when a tenant has no profile
// configured. Absence is not an error.
const DefaultBusinessProfile = "This is a customer service agent that will try to help answer customer inquiries in a clear and helpful manner."

const profileCacheTTL = 5 * time.Minute

// Tenants reads tenant configuration from the "sessions" collection.
// The dashboard writes it; this core only reads businessProfileText, with a
// short cache so the reply pipeline doesn't hit the store per message.
type Tenants struct {
	st *Facade

	mu    sync.Mutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	text    string
	fetched time.Time
}

// NewTenants wraps the facade.
func NewTenants(st *Facade) *Tenants {
	return &Tenants{st: st, cache: make(map[string]cachedProfile)}
}

// BusinessProfile returns the tenant's profile text, or the generic default
// when unset or unavailable. Never fails.
func (t *Tenants) BusinessProfile(ctx context.Context, tenantID string) string {
	t.mu.Lock()
	if c, ok := t.cache[tenantID]; ok && time.Since(c.fetched) < profileCacheTTL {
		t.mu.Unlock()
		return c.text
	}
	t.mu.Unlock()

	text := DefaultBusinessProfile
	rec, found, err := t.st.Get(ctx, CollectionSessions, tenantID)
	if err == nil && found {
		if s, ok := rec["businessProfileText"].(string); ok && s != "" {
			text = s
		}
	}

	t.mu.Lock()
	t.cache[tenantID] = cachedProfile{text: text, fetched: time.Now()}
	t.mu.Unlock()

	return text
}

// Invalidate drops a tenant's cached profile (config hot reload hook).
func (t *Tenants) Invalidate(tenantID string) {
	t.mu.Lock()
	delete(t.cache, tenantID)
	t.mu.Unlock()
}
