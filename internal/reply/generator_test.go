package reply

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/replyline/replyline/internal/store"
)

type fakeCompleter struct {
	out    string
	err    error
	prompt string
	turns  []Turn
}

func (f *fakeCompleter) Complete(_ context.Context, systemPrompt string, turns []Turn) (string, error) {
	f.prompt = systemPrompt
	f.turns = turns
	return f.out, f.err
}

func newTestGenerator(c Completer) (*Generator, *store.Conversations) {
	f := store.NewFacade(nil)
	conv := store.NewConversations(f)
	gen := NewGenerator(c, store.NewTenants(f), conv, Options{
		HistoryLimit: 10,
		Timeout:      time.Second,
		Apology:      "sorry, try again later",
	})
	return gen, conv
}

func TestGenerateReturnsCompletion(t *testing.T) {
	c := &fakeCompleter{out: "we open at 9am"}
	gen, _ := newTestGenerator(c)

	got := gen.Generate(context.Background(), "t1", "peer", "opening hours?")
	if got != "we open at 9am" {
		t.Fatalf("reply = %q", got)
	}
	if !strings.Contains(c.prompt, store.DefaultBusinessProfile) {
		t.Error("system prompt missing business profile")
	}
}

func TestGenerateApologyOnError(t *testing.T) {
	c := &fakeCompleter{err: errors.New("model unavailable")}
	gen, _ := newTestGenerator(c)

	got := gen.Generate(context.Background(), "t1", "peer", "hello")
	if got != "sorry, try again later" {
		t.Fatalf("reply = %q, want apology", got)
	}
}

func TestGenerateApologyOnBlankCompletion(t *testing.T) {
	c := &fakeCompleter{out: "   \n"}
	gen, _ := newTestGenerator(c)

	got := gen.Generate(context.Background(), "t1", "peer", "hello")
	if got != "sorry, try again later" {
		t.Fatalf("reply = %q, want apology", got)
	}
}

func TestReconfigureSwapsApology(t *testing.T) {
	c := &fakeCompleter{err: errors.New("model unavailable")}
	gen, _ := newTestGenerator(c)

	gen.Reconfigure(Options{Apology: "updated apology"})

	got := gen.Generate(context.Background(), "t1", "peer", "hello")
	if got != "updated apology" {
		t.Fatalf("reply = %q, want reloaded apology", got)
	}
}

func TestGenerateMapsHistoryRoles(t *testing.T) {
	c := &fakeCompleter{out: "sure"}
	gen, conv := newTestGenerator(c)

	ctx := context.Background()
	now := time.Now()
	conv.Append(ctx, "t1", "peer", store.ThreadMessage{Text: "hi", Sender: store.SenderCustomer, Timestamp: now})
	conv.Append(ctx, "t1", "peer", store.ThreadMessage{Text: "hello!", Sender: store.SenderAgent, Timestamp: now})
	conv.Append(ctx, "t1", "peer", store.ThreadMessage{Text: "do you deliver?", Sender: store.SenderCustomer, Timestamp: now})

	gen.Generate(ctx, "t1", "peer", "do you deliver?")

	want := []Turn{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello!"},
		{Role: RoleUser, Content: "do you deliver?"},
	}
	if len(c.turns) != len(want) {
		t.Fatalf("turns = %d, want %d (%+v)", len(c.turns), len(want), c.turns)
	}
	for i := range want {
		if c.turns[i] != want[i] {
			t.Errorf("turn[%d] = %+v, want %+v", i, c.turns[i], want[i])
		}
	}
}

func TestGenerateAppendsLatestWhenMissing(t *testing.T) {
	// No history at all: the prompt still carries the inbound message.
	c := &fakeCompleter{out: "ok"}
	gen, _ := newTestGenerator(c)

	gen.Generate(context.Background(), "t1", "peer", "anyone there?")

	if len(c.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(c.turns))
	}
	if c.turns[0].Role != RoleUser || c.turns[0].Content != "anyone there?" {
		t.Fatalf("turn = %+v", c.turns[0])
	}
}

func TestGenerateTrimsOutput(t *testing.T) {
	c := &fakeCompleter{out: "  answer \n"}
	gen, _ := newTestGenerator(c)

	if got := gen.Generate(context.Background(), "t1", "peer", "q"); got != "answer" {
		t.Fatalf("reply = %q", got)
	}
}
