package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/lookup"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/relay"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/tools"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/trace"
)

const shutdownTimeout = 30 * time.Second

func main() {
	loadDotenv()
	cfg, err := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel})))
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var traceStore *trace.Store
	if cfg.traceDatabaseURL != "" {
		openCtx, cancel := context.WithTimeout(sigCtx, 10*time.Second)
		traceStore, err = trace.Open(openCtx, cfg.traceDatabaseURL)
		cancel()
		if err != nil {
			slog.Warn("tracing disabled", "error", err)
			traceStore = nil
		} else {
			defer traceStore.Close()
			slog.Info("tracing enabled")
		}
	}

	var kb relay.Lookup
	if cfg.ragBaseURL != "" {
		kb = lookup.New(lookup.Config{
			BaseURL:   cfg.ragBaseURL,
			Email:     cfg.ragEmail,
			Password:  cfg.ragPassword,
			SessionID: cfg.ragSessionID,
			Timeout:   cfg.ragTimeout,
			PoolSize:  cfg.ragPoolSize,
		})
		slog.Info("knowledge base enabled", "base_url", cfg.ragBaseURL)
	} else {
		slog.Warn("knowledge base not configured, tool calls get the fallback answer")
	}

	dial := func(ctx context.Context) (relay.ModelLeg, error) {
		conn, err := realtime.Dial(ctx, realtime.Config{URL: cfg.realtimeURL, APIKey: cfg.openAIKey})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	// Sessions outlive the signal context so calls in progress can drain.
	sessionCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	handler := relay.NewHandler(relay.HandlerConfig{
		Dial:   dial,
		Lookup: kb,
		Session: relay.Config{
			Session:      realtime.PhoneSession(cfg.voice, cfg.instructions, cfg.temperature, tools.Definitions()),
			FillerAudio:  cfg.fillerAudio,
			SetupTimeout: cfg.setupTimeout,
			DrainGrace:   cfg.drainGrace,
		},
		MaxConcurrent: cfg.maxConcurrentCalls,
		TraceStore:    traceStore,
		BaseContext:   sessionCtx,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		greeting:        cfg.greeting,
		twilioAuthToken: cfg.twilioAuthToken,
		publicURL:       cfg.publicURL,
		relay:           handler,
		traceStore:      traceStore,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relay starting", "addr", addr, "max_concurrent", cfg.maxConcurrentCalls, "voice", cfg.voice)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		slog.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(ctx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	drainSessions(ctx, handler, cancelSessions)

	slog.Info("relay stopped")
}

// drainSessions waits for live calls to finish and cancels whatever is left
// when ctx expires.
func drainSessions(ctx context.Context, h *relay.Handler, cancelSessions context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
		slog.Warn("cancelling calls still in progress")
		cancelSessions()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		slog.Warn("calls did not end after cancel")
	}
}
