package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/retry"
	"github.com/replyline/replyline/internal/transport"
)

type pumpOutcome int

const (
	pumpStopped pumpOutcome = iota
	pumpAuthFailed
	pumpDisconnected
)

// Instance is one tenant's live session: a transport client plus the state
// machine around it. Created by Initialize, destroyed by logout, forced
// reset, or a fatal auth failure.
type Instance struct {
	tenantID string
	dial     transport.DialFunc
	opts     Options
	hooks    Hooks

	mu       sync.Mutex
	state    transport.State
	pairing  string
	lastSeen time.Time
	client   transport.Client

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newInstance(tenantID string, dial transport.DialFunc, opts Options, hooks Hooks) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &Instance{
		tenantID: tenantID,
		dial:     dial,
		opts:     opts,
		hooks:    hooks,
		state:    transport.StateUninitialized,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (i *Instance) start() { go i.run() }

func (i *Instance) run() {
	defer close(i.done)

	client, err := i.connect()
	if err != nil {
		// Setup never got off the ground: terminal until re-initialize.
		i.transition(transport.StateAuthFailed, "")
		slog.Warn("session setup failed", "tenant_id", i.tenantID, "error", err)
		return
	}

	for {
		// Session must reach READY within the setup window or it is marked
		// AUTH_FAILED rather than left PAIRING forever. Re-armed after every
		// redial: a re-established client may land back in pairing.
		current := client
		setup := time.AfterFunc(i.opts.SetupTimeout, func() { i.setupExpired(current) })
		outcome := i.pump(client, setup)
		setup.Stop()

		switch outcome {
		case pumpStopped, pumpAuthFailed:
			client.Destroy()
			return

		case pumpDisconnected:
			client.Destroy()
			if i.hooks.OnNotReady != nil {
				i.hooks.OnNotReady(i.tenantID)
			}

			next, err := i.reconnect()
			if err != nil {
				// Stay DISCONNECTED until the tenant re-initializes.
				slog.Warn("session re-establish failed",
					"tenant_id", i.tenantID, "error", err)
				return
			}
			slog.Info("session re-established", "tenant_id", i.tenantID)
			i.transition(transport.StatePairing, "")
			client = next
		}
	}
}

// connect dials a fresh transport client bounded by the setup timeout.
func (i *Instance) connect() (transport.Client, error) {
	client := i.dial(i.tenantID)

	i.mu.Lock()
	i.client = client
	i.state = transport.StatePairing
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(i.ctx, i.opts.SetupTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		client.Destroy()
		return nil, err
	}
	return client, nil
}

// reconnect performs the bounded automatic re-establish after a transport
// loss. It shares the generic retry policy with the delivery tracker.
func (i *Instance) reconnect() (transport.Client, error) {
	policy := retry.Policy{
		MaxAttempts: i.opts.ReconnectAttempts,
		Delay:       i.opts.ReconnectDelay,
		Multiplier:  1,
	}
	if policy.MaxAttempts < 1 {
		return nil, fmt.Errorf("automatic re-establish disabled")
	}

	// The disconnect itself already happened; wait once before redialing.
	select {
	case <-i.ctx.Done():
		return nil, i.ctx.Err()
	case <-time.After(i.opts.ReconnectDelay):
	}

	var client transport.Client
	err := policy.Do(i.ctx, func() error {
		c, cerr := i.connectOnce()
		if cerr != nil {
			return cerr
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (i *Instance) connectOnce() (transport.Client, error) {
	client := i.dial(i.tenantID)

	ctx, cancel := context.WithTimeout(i.ctx, i.opts.SetupTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		client.Destroy()
		return nil, err
	}

	i.mu.Lock()
	i.client = client
	i.mu.Unlock()
	return client, nil
}

// pump consumes transport events until the stream ends or a terminal state
// is reached.
func (i *Instance) pump(client transport.Client, setup *time.Timer) pumpOutcome {
	for {
		select {
		case <-i.ctx.Done():
			return pumpStopped

		case ev, ok := <-client.Events():
			if !ok {
				// Stream closed without a disconnected event: either a
				// local teardown or the setup timer fired.
				if i.ctx.Err() != nil {
					return pumpStopped
				}
				if i.currentState() == transport.StateAuthFailed {
					return pumpAuthFailed
				}
				i.transition(transport.StateDisconnected, "")
				return pumpDisconnected
			}

			switch ev.Type {
			case transport.EventQR:
				i.setPairing(ev.QR)

			case transport.EventAuthenticated:
				i.transition(transport.StateAuthenticated, "")

			case transport.EventReady:
				setup.Stop()
				i.transition(transport.StateReady, "")
				slog.Info("session ready", "tenant_id", i.tenantID)
				if i.hooks.OnReady != nil {
					i.hooks.OnReady(i.tenantID)
				}

			case transport.EventAuthFailure:
				i.transition(transport.StateAuthFailed, "")
				slog.Warn("session auth failure",
					"tenant_id", i.tenantID, "reason", ev.Reason)
				if i.hooks.OnNotReady != nil {
					i.hooks.OnNotReady(i.tenantID)
				}
				return pumpAuthFailed

			case transport.EventDisconnected:
				i.transition(transport.StateDisconnected, "")
				slog.Warn("session disconnected",
					"tenant_id", i.tenantID, "reason", ev.Reason)
				return pumpDisconnected

			case transport.EventMessage:
				i.touch()
				msg := ev.Message
				if msg == nil || msg.FromMe || msg.Body == "" {
					continue
				}
				if i.hooks.OnMessage != nil {
					i.hooks.OnMessage(i.ctx, bus.InboundMessage{
						TenantID:          i.tenantID,
						PeerAddress:       msg.From,
						ExternalMessageID: msg.ID,
						Body:              msg.Body,
						ReceivedAt:        msg.Timestamp,
						Source:            bus.SourcePush,
					})
				}

			case transport.EventMessageAck:
				i.touch()
				if ev.Ack != nil && i.hooks.OnAck != nil {
					i.hooks.OnAck(bus.AckEvent{
						TenantID:  i.tenantID,
						MessageID: ev.Ack.MessageID,
						Level:     bus.AckLevel(ev.Ack.Level),
					})
				}
			}
		}
	}
}

// setupExpired fires when READY was not reached within the setup window.
func (i *Instance) setupExpired(client transport.Client) {
	i.mu.Lock()
	expired := i.state == transport.StatePairing || i.state == transport.StateAuthenticated
	if expired {
		i.state = transport.StateAuthFailed
		i.pairing = ""
	}
	i.mu.Unlock()

	if expired {
		slog.Warn("session setup timed out", "tenant_id", i.tenantID)
		client.Destroy()
	}
}

func (i *Instance) send(ctx context.Context, to, body string) (string, error) {
	i.mu.Lock()
	if i.state != transport.StateReady {
		i.mu.Unlock()
		return "", ErrNotReady
	}
	client := i.client
	i.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, i.opts.SendTimeout)
	defer cancel()

	handle, err := client.SendMessage(sendCtx, to, body)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	i.touch()
	return handle, nil
}

func (i *Instance) chats(ctx context.Context, limit int) ([]transport.ChatSummary, error) {
	i.mu.Lock()
	if i.state != transport.StateReady {
		i.mu.Unlock()
		return nil, ErrNotReady
	}
	client := i.client
	i.mu.Unlock()

	return client.Chats(ctx, limit)
}

func (i *Instance) messages(ctx context.Context, chatID string, limit int) ([]transport.Message, error) {
	i.mu.Lock()
	if i.state != transport.StateReady {
		i.mu.Unlock()
		return nil, ErrNotReady
	}
	client := i.client
	i.mu.Unlock()

	return client.Messages(ctx, chatID, limit)
}

func (i *Instance) status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Initialized:     true,
		State:           i.state,
		PairingArtifact: i.pairing,
		LastSeenAt:      i.lastSeen,
	}
}

func (i *Instance) currentState() transport.State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// transition moves the state machine. The pairing artifact is only valid
// while PAIRING; everything else clears it.
func (i *Instance) transition(state transport.State, pairing string) {
	i.mu.Lock()
	i.state = state
	i.pairing = pairing
	i.lastSeen = time.Now()
	i.mu.Unlock()
}

func (i *Instance) setPairing(artifact string) {
	i.mu.Lock()
	if i.state == transport.StatePairing || i.state == transport.StateUninitialized {
		i.pairing = artifact
		i.state = transport.StatePairing
	}
	i.lastSeen = time.Now()
	i.mu.Unlock()
}

func (i *Instance) touch() {
	i.mu.Lock()
	i.lastSeen = time.Now()
	i.mu.Unlock()
}

// shutdown stops the instance. graceful additionally attempts a network
// sign-out before destroying the client; its failure never blocks teardown.
// A READY instance being torn down still owes its consumers the not-ready
// notification, otherwise the sweeper keeps polling a dead session.
func (i *Instance) shutdown(ctx context.Context, graceful bool) {
	i.mu.Lock()
	client := i.client
	wasReady := i.state == transport.StateReady
	i.state = transport.StateUninitialized
	i.pairing = ""
	i.mu.Unlock()

	if graceful && client != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Logout(logoutCtx); err != nil {
			slog.Warn("graceful sign-out failed", "tenant_id", i.tenantID, "error", err)
		}
		cancel()
	}

	i.cancel()
	if client != nil {
		client.Destroy()
	}

	select {
	case <-i.done:
	case <-time.After(3 * time.Second):
		slog.Warn("session teardown timed out", "tenant_id", i.tenantID)
	}

	if wasReady && i.hooks.OnNotReady != nil {
		i.hooks.OnNotReady(i.tenantID)
	}
}
