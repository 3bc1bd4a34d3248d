package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/ingest"
	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/internal/transport"
)

type fakeSource struct {
	mu       sync.Mutex
	chats    []transport.ChatSummary
	messages map[string][]transport.Message
}

func (f *fakeSource) Chats(_ context.Context, _ string, limit int) ([]transport.ChatSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > 0 && len(f.chats) > limit {
		return f.chats[:limit], nil
	}
	return f.chats, nil
}

func (f *fakeSource) Messages(_ context.Context, _ string, chatID string, limit int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[chatID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

type ingestRecorder struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (r *ingestRecorder) handle(_ context.Context, msg bus.InboundMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *ingestRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.ExternalMessageID
	}
	return out
}

func testOptions() Options {
	return Options{
		Interval:      15 * time.Millisecond,
		Grace:         time.Millisecond,
		ChatLimit:     20,
		MessageLimit:  5,
		RatePerSecond: 1000,
	}
}

func newTestSweeper(src *fakeSource) (*Sweeper, *ingestRecorder) {
	rec := &ingestRecorder{}
	router := ingest.NewRouter(
		ingest.NewWindow(time.Minute, 1000),
		store.NewConversations(store.NewFacade(nil)),
		rec.handle,
	)
	return New(src, router, testOptions()), rec
}

func waitForIDs(t *testing.T, rec *ingestRecorder, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.ids()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("recovered %d messages, want %d", len(rec.ids()), want)
}

func TestSweepRecoversRecentMessages(t *testing.T) {
	future := time.Now().Add(time.Second)
	src := &fakeSource{
		chats: []transport.ChatSummary{{ID: "chat1"}},
		messages: map[string][]transport.Message{
			"chat1": {
				{ID: "m1", From: "peer1", Body: "missed me?", Timestamp: future},
			},
		},
	}
	sw, rec := newTestSweeper(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx, "t1")
	waitForIDs(t, rec, 1)

	ids := rec.ids()
	if ids[0] != "m1" {
		t.Fatalf("recovered = %v", ids)
	}

	rec.mu.Lock()
	src0 := rec.msgs[0].Source
	rec.mu.Unlock()
	if src0 != bus.SourceSweep {
		t.Fatalf("source = %q, want %q", src0, bus.SourceSweep)
	}

	// Repeated sweeps of the same backlog are absorbed by the dedup window.
	time.Sleep(60 * time.Millisecond)
	if got := rec.ids(); len(got) != 1 {
		t.Fatalf("recovered = %v after repeated sweeps, want just m1", got)
	}
}

func TestSweepSkipsGroupsOwnAndOld(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Second)
	src := &fakeSource{
		chats: []transport.ChatSummary{
			{ID: "group1", IsGroup: true},
			{ID: "chat1"},
		},
		messages: map[string][]transport.Message{
			"group1": {{ID: "g1", From: "peer", Body: "group chatter", Timestamp: future}},
			"chat1": {
				{ID: "mine", From: "peer", Body: "sent by us", FromMe: true, Timestamp: future},
				{ID: "old", From: "peer", Body: "ancient", Timestamp: now.Add(-time.Hour)},
				{ID: "blank", From: "peer", Body: "", Timestamp: future},
				{ID: "fresh", From: "peer", Body: "new one", Timestamp: future},
			},
		},
	}
	sw, rec := newTestSweeper(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx, "t1")
	waitForIDs(t, rec, 1)
	time.Sleep(40 * time.Millisecond)

	ids := rec.ids()
	if len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("recovered = %v, want [fresh]", ids)
	}
}

func TestSweepStops(t *testing.T) {
	future := time.Now().Add(time.Minute)
	src := &fakeSource{
		chats:    []transport.ChatSummary{{ID: "chat1"}},
		messages: map[string][]transport.Message{},
	}
	sw, rec := newTestSweeper(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx, "t1")
	time.Sleep(40 * time.Millisecond)
	sw.Stop("t1")

	// New backlog after Stop must not be picked up.
	src.mu.Lock()
	src.messages["chat1"] = []transport.Message{
		{ID: "late", From: "peer", Body: "too late", Timestamp: future},
	}
	src.mu.Unlock()

	time.Sleep(60 * time.Millisecond)
	if got := rec.ids(); len(got) != 0 {
		t.Fatalf("recovered %v after Stop", got)
	}
}

func TestSweepNowUnknownTenant(t *testing.T) {
	sw, _ := newTestSweeper(&fakeSource{})
	if sw.SweepNow(context.Background(), "nobody") {
		t.Fatal("SweepNow succeeded for a tenant with no loop")
	}
}

func TestSweepNowRunsImmediately(t *testing.T) {
	future := time.Now().Add(time.Second)
	src := &fakeSource{
		chats: []transport.ChatSummary{{ID: "chat1"}},
		messages: map[string][]transport.Message{
			"chat1": {{ID: "m1", From: "peer", Body: "hi", Timestamp: future}},
		},
	}
	sw, rec := newTestSweeper(src)

	// Long interval and grace so only the manual trigger can account for
	// the recovery.
	sw.Reconfigure(Options{Interval: time.Hour, Grace: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw.Start(ctx, "t1")
	if !sw.SweepNow(ctx, "t1") {
		t.Fatal("SweepNow refused a started tenant")
	}
	waitForIDs(t, rec, 1)
}
