package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/ingest"
	"github.com/replyline/replyline/internal/session"
	"github.com/replyline/replyline/internal/sweep"
)

// Server is the relay's HTTP control surface: session lifecycle, the
// push webhook, and operational endpoints.
type Server struct {
	manager *session.Manager
	router  *ingest.Router
	sweeper *sweep.Sweeper
	http    *http.Server
}

func New(addr string, manager *session.Manager, router *ingest.Router, sweeper *sweep.Sweeper) *Server {
	s := &Server{manager: manager, router: router, sweeper: sweeper}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions/{tenantID}", func(r chi.Router) {
			r.Post("/initialize", s.handleInitialize)
			r.Get("/", s.handleStatus)
			r.Post("/send", s.handleSend)
			r.Post("/logout", s.handleLogout)
			r.Post("/sweep", s.handleSweep)
		})
		r.Post("/webhook/messages", s.handleWebhook)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing_tenant")
		return
	}

	// Initialization pairs with an external device and can take minutes;
	// the call only kicks it off.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.manager.Initialize(ctx, tenantID); err != nil {
			slog.Error("session initialize failed", "tenant_id", tenantID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	st := s.manager.Status(tenantID)

	var artifact any
	if st.PairingArtifact != "" {
		artifact = st.PairingArtifact
	}
	resp := map[string]any{
		"initialized":     st.Initialized,
		"state":           st.State.String(),
		"pairingArtifact": artifact,
	}
	if !st.LastSeenAt.IsZero() {
		resp["last_seen_at"] = st.LastSeenAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	handle, err := s.manager.Send(r.Context(), tenantID, req.To, req.Text)
	if err != nil {
		if errors.Is(err, session.ErrNotReady) || errors.Is(err, session.ErrNoTenant) {
			writeError(w, http.StatusConflict, "not_ready")
			return
		}
		slog.Error("send failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "send_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "handle": handle})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.manager.Logout(r.Context(), tenantID); err != nil {
		if errors.Is(err, session.ErrNoTenant) {
			writeError(w, http.StatusNotFound, "no_session")
			return
		}
		writeError(w, http.StatusInternalServerError, "logout_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if !s.sweeper.SweepNow(r.Context(), tenantID) {
		writeError(w, http.StatusConflict, "not_ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type webhookRequest struct {
	TenantID  string `json:"tenantId"`
	From      string `json:"from"`
	MessageID string `json:"messageId"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.TenantID == "" || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	received := time.Now()
	if req.Timestamp > 0 {
		received = time.Unix(req.Timestamp, 0)
	}

	s.router.Ingest(r.Context(), bus.InboundMessage{
		TenantID:          req.TenantID,
		PeerAddress:       req.From,
		ExternalMessageID: req.MessageID,
		Body:              req.Body,
		ReceivedAt:        received,
		Source:            bus.SourcePush,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": code})
}
