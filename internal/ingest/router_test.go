package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/store"
)

type pipelineRecorder struct {
	mu    sync.Mutex
	calls []bus.InboundMessage
	done  chan struct{}
}

func newPipelineRecorder() *pipelineRecorder {
	return &pipelineRecorder{done: make(chan struct{}, 16)}
}

func (p *pipelineRecorder) handle(_ context.Context, msg bus.InboundMessage) {
	p.mu.Lock()
	p.calls = append(p.calls, msg)
	p.mu.Unlock()
	p.done <- struct{}{}
}

func (p *pipelineRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *pipelineRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never invoked")
	}
}

func testMessage(source string) bus.InboundMessage {
	return bus.InboundMessage{
		TenantID:          "tenant-1",
		PeerAddress:       "972501234567@c.us",
		ExternalMessageID: "ext-1",
		Body:              "hello",
		ReceivedAt:        time.Now(),
		Source:            source,
	}
}

func TestIngestRunsPipelineOnce(t *testing.T) {
	conv := store.NewConversations(store.NewFacade(nil))
	rec := newPipelineRecorder()
	r := NewRouter(NewWindow(time.Minute, 1000), conv, rec.handle)

	ctx := context.Background()

	// The same physical message arrives on both delivery paths.
	r.Ingest(ctx, testMessage(bus.SourcePush))
	r.Ingest(ctx, testMessage(bus.SourceSweep))

	rec.wait(t)
	time.Sleep(50 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("pipeline invoked %d times, want 1", got)
	}

	history, err := conv.History(ctx, "tenant-1", "972501234567@c.us", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("thread holds %d messages, want 1", len(history))
	}
	if history[0].Sender != store.SenderCustomer {
		t.Errorf("sender = %q, want %q", history[0].Sender, store.SenderCustomer)
	}
}

func TestIngestDistinctMessages(t *testing.T) {
	conv := store.NewConversations(store.NewFacade(nil))
	rec := newPipelineRecorder()
	r := NewRouter(NewWindow(time.Minute, 1000), conv, rec.handle)

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		msg := testMessage(bus.SourcePush)
		msg.ExternalMessageID = id
		r.Ingest(ctx, msg)
	}

	for i := 0; i < 3; i++ {
		rec.wait(t)
	}
	if got := rec.count(); got != 3 {
		t.Fatalf("pipeline invoked %d times, want 3", got)
	}
}

func TestIngestDropsInvalid(t *testing.T) {
	conv := store.NewConversations(store.NewFacade(nil))
	rec := newPipelineRecorder()
	r := NewRouter(NewWindow(time.Minute, 1000), conv, rec.handle)

	ctx := context.Background()

	for name, msg := range map[string]bus.InboundMessage{
		"no tenant": {ExternalMessageID: "x", Body: "hi"},
		"no id":     {TenantID: "t", Body: "hi"},
		"no body":   {TenantID: "t", ExternalMessageID: "x"},
	} {
		r.Ingest(ctx, msg)
		if got := rec.count(); got != 0 {
			t.Errorf("%s: pipeline invoked", name)
		}
	}
}
