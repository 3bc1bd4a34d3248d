package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/replyline/replyline/internal/bus"
	"github.com/replyline/replyline/internal/config"
	"github.com/replyline/replyline/internal/delivery"
	"github.com/replyline/replyline/internal/httpapi"
	"github.com/replyline/replyline/internal/ingest"
	"github.com/replyline/replyline/internal/reply"
	"github.com/replyline/replyline/internal/session"
	"github.com/replyline/replyline/internal/store"
	"github.com/replyline/replyline/internal/sweep"
	"github.com/replyline/replyline/internal/transport/bridge"
	"github.com/replyline/replyline/pkg/metrics"
)

func runRelay() {
	// .env.local keeps local secrets out of the shell profile; absence is fine.
	_ = godotenv.Load(".env.local")

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Reply.APIKey == "" {
		slog.Warn("no completion API key configured; every reply will be the apology fallback",
			"hint", "set RELAY_OPENAI_API_KEY or OPENAI_API_KEY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence: live backend per driver, wrapped in the degrading facade.
	facade := openStore(cfg)
	defer facade.Close()
	if reprobe := config.Duration(cfg.Store.Reprobe, 0); reprobe > 0 {
		facade.StartReprobe(ctx, reprobe)
	}
	conversations := store.NewConversations(facade)
	tenants := store.NewTenants(facade)

	// Dedup window shared by the push and sweep paths.
	window := ingest.NewWindow(
		config.Duration(cfg.Dedup.Window, 30*time.Minute),
		cfg.Dedup.MaxEntries,
	)
	window.StartEviction(ctx, time.Minute)

	// Reply generation.
	completer := reply.NewOpenAICompleter(
		cfg.Reply.APIKey, cfg.Reply.APIBase,
		cfg.Reply.Model, cfg.Reply.Temperature, cfg.Reply.MaxTokens,
	)
	generator := reply.NewGenerator(completer, tenants, conversations, reply.Options{
		HistoryLimit: cfg.Reply.HistoryLimit,
		Timeout:      config.Duration(cfg.Reply.Timeout, 45*time.Second),
		Apology:      cfg.Reply.Apology,
	})

	// Session manager over the WS bridge. Hooks are filled in below once
	// the tracker and sweeper exist.
	var (
		tracker *delivery.Tracker
		sweeper *sweep.Sweeper
		router  *ingest.Router
	)

	dial := bridge.Dialer(bridge.Options{
		URL:              cfg.Bridge.URL,
		HandshakeTimeout: config.Duration(cfg.Bridge.HandshakeTimeout, 10*time.Second),
		RequestTimeout:   config.Duration(cfg.Bridge.RequestTimeout, 30*time.Second),
	})

	manager := session.NewManager(dial, session.Options{
		SetupTimeout:      config.Duration(cfg.Session.SetupTimeout, 2*time.Minute),
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		ReconnectDelay:    config.Duration(cfg.Session.ReconnectDelay, 5*time.Second),
		SendTimeout:       config.Duration(cfg.Session.SendTimeout, 30*time.Second),
	}, session.Hooks{
		OnMessage: func(ctx context.Context, msg bus.InboundMessage) {
			router.Ingest(ctx, msg)
		},
		OnAck: func(ev bus.AckEvent) {
			tracker.HandleAck(ev)
		},
		OnReady: func(tenantID string) {
			sweeper.Start(ctx, tenantID)
		},
		OnNotReady: func(tenantID string) {
			sweeper.Stop(tenantID)
		},
	})

	tracker = delivery.NewTracker(manager, conversations, delivery.Options{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		RetryDelay:  config.Duration(cfg.Delivery.RetryDelay, 5*time.Second),
		CountryCode: cfg.Delivery.CountryCode,
		PeerSuffix:  cfg.Delivery.PeerSuffix,
	})
	tracker.StartEviction(ctx, time.Minute)

	// Ingest → generate → deliver. The pipeline never fails outward: the
	// generator falls back to the apology, and an unready session only logs.
	router = ingest.NewRouter(window, conversations, func(ctx context.Context, msg bus.InboundMessage) {
		text := generator.Generate(ctx, msg.TenantID, msg.PeerAddress, msg.Body)
		if err := tracker.Deliver(ctx, msg.TenantID, msg.PeerAddress, text); err != nil {
			slog.Warn("reply delivery failed",
				"tenant_id", msg.TenantID, "peer", msg.PeerAddress, "error", err)
		}
	})

	sweeper = sweep.New(manager, router, sweep.Options{
		Interval:         config.Duration(cfg.Sweep.Interval, 30*time.Second),
		Grace:            config.Duration(cfg.Sweep.Grace, 30*time.Second),
		ChatLimit:        cfg.Sweep.ChatLimit,
		MessageLimit:     cfg.Sweep.MessageLimit,
		DeepSchedule:     cfg.Sweep.DeepSchedule,
		DeepMessageLimit: cfg.Sweep.DeepMessageLimit,
		RatePerSecond:    cfg.Sweep.Rate,
	})

	// Hot reload covers the tunables that are safe to swap at runtime:
	// reply parameters and sweep cadence. Listener, store, and bridge
	// changes still need a restart.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		generator.Reconfigure(reply.Options{
			HistoryLimit: next.Reply.HistoryLimit,
			Timeout:      config.Duration(next.Reply.Timeout, 45*time.Second),
			Apology:      next.Reply.Apology,
		})
		sweeper.Reconfigure(sweep.Options{
			Interval:         config.Duration(next.Sweep.Interval, 30*time.Second),
			Grace:            config.Duration(next.Sweep.Grace, 30*time.Second),
			ChatLimit:        next.Sweep.ChatLimit,
			MessageLimit:     next.Sweep.MessageLimit,
			DeepSchedule:     next.Sweep.DeepSchedule,
			DeepMessageLimit: next.Sweep.DeepMessageLimit,
			RatePerSecond:    next.Sweep.Rate,
		})
		slog.Info("config reloaded", "path", cfgPath)
	}); err != nil {
		slog.Debug("config watch unavailable", "error", err)
	}

	server := httpapi.New(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		manager, router, sweeper,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	slog.Info("replyline relay starting",
		"version", Version,
		"store", cfg.Store.Driver,
		"bridge", cfg.Bridge.URL,
		"degraded", facade.Degraded(),
	)
	metrics.StoreDegraded.Set(boolToGauge(facade.Degraded()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("graceful shutdown initiated", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("http server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	manager.Shutdown(shutdownCtx)
	cancel()
}

// openStore builds the persistence facade for the configured driver.
// Any failure degrades to memory instead of refusing to start.
func openStore(cfg *config.Config) *store.Facade {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			slog.Error("postgres driver selected but RELAY_POSTGRES_DSN is not set; starting degraded")
			return store.NewFacade(nil)
		}
		backend, err := store.OpenSQL("pgx", cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("postgres open failed; starting degraded", "error", err)
			return store.NewFacade(nil)
		}
		return store.NewFacade(backend)
	case "memory":
		return store.NewFacade(nil)
	default:
		path := config.ExpandHome(cfg.Store.Path)
		os.MkdirAll(filepath.Dir(path), 0755)
		backend, err := store.OpenSQL("sqlite", path)
		if err != nil {
			slog.Error("sqlite open failed; starting degraded", "path", path, "error", err)
			return store.NewFacade(nil)
		}
		return store.NewFacade(backend)
	}
}

func boolToGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
