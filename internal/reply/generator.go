package reply

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/pkg/metrics"
)

// ErrEmptyCompletion means the model returned no choices.
var ErrEmptyCompletion = errors.New("reply: empty completion")

// Options tunes reply generation.
type Options struct {
	// HistoryLimit is how many prior thread messages feed the prompt.
	HistoryLimit int
	// Timeout bounds a single completion call.
	Timeout time.Duration
	// Apology is returned verbatim whenever generation fails.
	Apology string
}

func (o Options) withDefaults() Options {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 45 * time.Second
	}
	if o.Apology == "" {
		o.Apology = "מצטערים, לא הצלחנו לעבד את הבקשה שלך כרגע. אנא נסה שוב מאוחר יותר."
	}
	return o
}

// Generator turns an inbound customer message into outbound reply text.
// Generate never fails: any error along the way collapses into the
// configured apology so the customer always hears back.
type Generator struct {
	completer Completer
	tenants   *store.Tenants
	conv      *store.Conversations

	mu   sync.RWMutex
	opts Options
}

func NewGenerator(completer Completer, tenants *store.Tenants, conv *store.Conversations, opts Options) *Generator {
	return &Generator{
		completer: completer,
		tenants:   tenants,
		conv:      conv,
		opts:      opts.withDefaults(),
	}
}

// Reconfigure swaps the tunables; generations already in flight keep the
// options they started with.
func (g *Generator) Reconfigure(opts Options) {
	g.mu.Lock()
	g.opts = opts.withDefaults()
	g.mu.Unlock()
}

func (g *Generator) options() Options {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.opts
}

// Generate produces the reply for one inbound message. The message has
// already been appended to the thread by ingestion, so history normally
// ends with it; the prompt builder tolerates both orders.
func (g *Generator) Generate(ctx context.Context, tenantID, peer, text string) string {
	opts := g.options()
	profile := g.tenants.BusinessProfile(ctx, tenantID)

	history, err := g.conv.History(ctx, tenantID, peer, opts.HistoryLimit)
	if err != nil {
		slog.Warn("history load failed, replying without context",
			"tenant_id", tenantID, "error", err)
		history = nil
	}

	turns := buildTurns(history, text)

	cctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	out, err := g.completer.Complete(cctx, systemPrompt(profile), turns)
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			slog.Error("completion failed", "tenant_id", tenantID, "error", err)
		}
		metrics.RepliesGenerated.WithLabelValues("fallback").Inc()
		return opts.Apology
	}

	metrics.RepliesGenerated.WithLabelValues("completion").Inc()
	return strings.TrimSpace(out)
}

func systemPrompt(profile string) string {
	var b strings.Builder
	b.WriteString(profile)
	b.WriteString("\n\nRespond to the customer's latest message. Keep answers concise and reply in the customer's language.")
	return b.String()
}

// buildTurns maps stored thread messages onto completion roles and makes
// sure the latest customer message closes the transcript exactly once.
func buildTurns(history []store.ThreadMessage, latest string) []Turn {
	turns := make([]Turn, 0, len(history)+1)
	for _, m := range history {
		role := RoleUser
		if m.Sender == store.SenderAgent {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Content: m.Text})
	}
	if n := len(turns); n == 0 || turns[n-1].Role != RoleUser || turns[n-1].Content != latest {
		turns = append(turns, Turn{Role: RoleUser, Content: latest})
	}
	return turns
}
