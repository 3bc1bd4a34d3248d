// Package session owns the lifecycle of one external-network client per
// tenant: registry, state machine, pairing artifact, and the send channel.
// Transport faults are surfaced as state, never as errors to the message
// pipeline — a missing instance and a dead instance are ordinary states.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/transport"
	"github.com/replyline/replyline/pkg/metrics"
)

var (
	// ErrNotReady means the tenant has no READY session. Callers fail fast;
	// the dashboard is expected to prompt re-pairing.
	ErrNotReady = errors.New("session not ready")

	// ErrNoTenant means an empty tenant id was passed.
	ErrNoTenant = errors.New("tenant id required")
)

// Options bound session setup and re-establish behavior.
type Options struct {
	SetupTimeout      time.Duration // deadline for reaching READY after initialize
	ReconnectAttempts int           // automatic re-establish attempts after transport loss
	ReconnectDelay    time.Duration
	SendTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.SetupTimeout <= 0 {
		o.SetupTimeout = 2 * time.Minute
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	return o
}

// Hooks connect session events to the rest of the pipeline.
type Hooks struct {
	OnMessage  bus.InboundHandler // push-delivered inbound messages
	OnAck      bus.AckHandler     // delivery acknowledgements
	OnReady    func(tenantID string)
	OnNotReady func(tenantID string)
}

// Status is the operator-facing session snapshot. Never an error: a tenant
// that was never initialized gets Initialized=false.
type Status struct {
	Initialized     bool
	State           transport.State
	PairingArtifact string
	LastSeenAt      time.Time
}

// Manager holds at most one live Instance per tenant.
type Manager struct {
	dial  transport.DialFunc
	opts  Options
	hooks Hooks

	mu        sync.RWMutex
	instances map[string]*Instance

	initMu sync.Map // tenantID → *sync.Mutex, serializes Initialize per tenant
}

// NewManager creates an empty session registry.
func NewManager(dial transport.DialFunc, opts Options, hooks Hooks) *Manager {
	return &Manager{
		dial:      dial,
		opts:      opts.withDefaults(),
		hooks:     hooks,
		instances: make(map[string]*Instance),
	}
}

// Initialize tears down any existing instance for the tenant synchronously,
// then constructs a fresh one and begins connecting. Returns immediately;
// progress is observed via Status.
func (m *Manager) Initialize(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrNoTenant
	}

	mu := m.tenantMutex(tenantID)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	old := m.instances[tenantID]
	delete(m.instances, tenantID)
	m.mu.Unlock()

	if old != nil {
		old.shutdown(ctx, false)
		metrics.SessionsActive.Dec()
	}

	inst := newInstance(tenantID, m.dial, m.opts, m.hooks)

	m.mu.Lock()
	m.instances[tenantID] = inst
	m.mu.Unlock()
	metrics.SessionsActive.Inc()

	inst.start()
	return nil
}

// Status returns the tenant's session snapshot. Never errors.
func (m *Manager) Status(tenantID string) Status {
	m.mu.RLock()
	inst := m.instances[tenantID]
	m.mu.RUnlock()

	if inst == nil {
		return Status{}
	}
	return inst.status()
}

// Send hands a message to the tenant's transport and returns the
// transport-assigned message handle. Fails with ErrNotReady unless the
// session is READY.
func (m *Manager) Send(ctx context.Context, tenantID, to, body string) (string, error) {
	m.mu.RLock()
	inst := m.instances[tenantID]
	m.mu.RUnlock()

	if inst == nil {
		return "", ErrNotReady
	}
	return inst.send(ctx, to, body)
}

// Chats enumerates the tenant's recently active peer threads (sweeper path).
func (m *Manager) Chats(ctx context.Context, tenantID string, limit int) ([]transport.ChatSummary, error) {
	m.mu.RLock()
	inst := m.instances[tenantID]
	m.mu.RUnlock()

	if inst == nil {
		return nil, ErrNotReady
	}
	return inst.chats(ctx, limit)
}

// Messages fetches the most recent messages of one peer thread.
func (m *Manager) Messages(ctx context.Context, tenantID, chatID string, limit int) ([]transport.Message, error) {
	m.mu.RLock()
	inst := m.instances[tenantID]
	m.mu.RUnlock()

	if inst == nil {
		return nil, ErrNotReady
	}
	return inst.messages(ctx, chatID, limit)
}

// Logout signs the tenant out (best-effort) and destroys the instance.
// The instance is removed from the registry even if the graceful step fails.
func (m *Manager) Logout(ctx context.Context, tenantID string) error {
	mu := m.tenantMutex(tenantID)
	mu.Lock()
	defer mu.Unlock()

	m.mu.Lock()
	inst := m.instances[tenantID]
	delete(m.instances, tenantID)
	m.mu.Unlock()

	if inst == nil {
		return nil
	}
	metrics.SessionsActive.Dec()
	inst.shutdown(ctx, true)
	return nil
}

// Shutdown destroys all instances without signing tenants out.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(i *Instance) {
			defer wg.Done()
			i.shutdown(ctx, false)
			metrics.SessionsActive.Dec()
		}(inst)
	}
	wg.Wait()
}

func (m *Manager) tenantMutex(tenantID string) *sync.Mutex {
	if mu, ok := m.initMu.Load(tenantID); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := m.initMu.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
