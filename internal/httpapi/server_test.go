package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/ingest"
	"github.com/replyline/replyline/internal/session"
	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/internal/sweep"
	"github.com/replyline/replyline/internal/transport"
)

type idleClient struct{ events chan transport.Event }

func (c *idleClient) Connect(context.Context) error          { return nil }
func (c *idleClient) Events() <-chan transport.Event         { return c.events }
func (c *idleClient) SendMessage(context.Context, string, string) (string, error) {
	return "h1", nil
}
func (c *idleClient) Chats(context.Context, int) ([]transport.ChatSummary, error) {
	return nil, nil
}
func (c *idleClient) Messages(context.Context, string, int) ([]transport.Message, error) {
	return nil, nil
}
func (c *idleClient) Logout(context.Context) error { return nil }
func (c *idleClient) Destroy() error               { return nil }

type pipelineSpy struct {
	mu   sync.Mutex
	msgs []bus.InboundMessage
}

func (p *pipelineSpy) handle(_ context.Context, msg bus.InboundMessage) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *pipelineSpy) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func newTestServer(spy *pipelineSpy) *httptest.Server {
	dial := func(string) transport.Client {
		return &idleClient{events: make(chan transport.Event, 1)}
	}
	manager := session.NewManager(dial, session.Options{}, session.Hooks{})
	router := ingest.NewRouter(
		ingest.NewWindow(time.Minute, 1000),
		store.NewConversations(store.NewFacade(nil)),
		spy.handle,
	)
	sweeper := sweep.New(manager, router, sweep.Options{})
	return httptest.NewServer(New("127.0.0.1:0", manager, router, sweeper).Handler())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusUnknownTenant(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/t1/")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (status never errors)", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["initialized"] != false {
		t.Fatalf("body = %v", body)
	}
	if body["state"] != "UNINITIALIZED" {
		t.Fatalf("state = %v", body["state"])
	}
	if artifact, ok := body["pairingArtifact"]; !ok || artifact != nil {
		t.Fatalf("pairingArtifact = %v (present=%v), want null", artifact, ok)
	}
}

func TestInitializeAccepted(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/sessions/t1/initialize", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["accepted"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestSendConflictWhenNotReady(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/sessions/t1/send", map[string]string{
		"to": "0501234567", "text": "hi",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["error"] != "not_ready" {
		t.Fatalf("body = %v", body)
	}
}

func TestSendRejectsBadRequest(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	for name, payload := range map[string]map[string]string{
		"missing to":   {"text": "hi"},
		"missing text": {"to": "0501234567"},
	} {
		resp := postJSON(t, ts.URL+"/api/sessions/t1/send", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestWebhookIngests(t *testing.T) {
	spy := &pipelineSpy{}
	ts := newTestServer(spy)
	defer ts.Close()

	payload := map[string]any{
		"tenantId":  "t1",
		"from":      "972501234567@c.us",
		"messageId": "ext-1",
		"body":      "hello",
		"timestamp": time.Now().Unix(),
	}

	resp := postJSON(t, ts.URL+"/api/webhook/messages", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && spy.count() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if spy.count() != 1 {
		t.Fatalf("pipeline invoked %d times, want 1", spy.count())
	}

	// Replaying the webhook is a duplicate, not a second reply.
	resp = postJSON(t, ts.URL+"/api/webhook/messages", payload)
	resp.Body.Close()
	time.Sleep(50 * time.Millisecond)
	if spy.count() != 1 {
		t.Fatalf("pipeline invoked %d times after replay, want 1", spy.count())
	}
}

func TestWebhookRejectsInvalid(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/webhook/messages", map[string]any{"body": "no ids"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestManualSweepConflictWithoutSession(t *testing.T) {
	ts := newTestServer(&pipelineSpy{})
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/sessions/t1/sweep", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}
