package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/metrics"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/telephony"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds what every call session shares.
type HandlerConfig struct {
	Dial          Dialer
	Lookup        Lookup
	Session       Config
	MaxConcurrent int
	// TraceStore is optional; nil disables tracing.
	TraceStore *trace.Store
	// BaseContext parents every session. Cancelling it ends all calls.
	BaseContext context.Context
}

// Handler accepts telephony media streams with admission control.
type Handler struct {
	cfg      HandlerConfig
	sem      chan struct{}
	sessions sync.WaitGroup
}

// NewHandler creates a media stream handler. MaxConcurrent defaults to 100.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{
		cfg: cfg,
		sem: make(chan struct{}, maxConc),
	}
}

// ServeHTTP upgrades the connection and relays the call.
// Returns 503 if at max concurrent call capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		metrics.SessionsRejected.Inc()
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	defer metrics.SessionsActive.Dec()

	h.runSession(telephony.NewConn(conn), r.RemoteAddr)
}

// Wait blocks until every accepted session has ended.
func (h *Handler) Wait() {
	h.sessions.Wait()
}

func (h *Handler) runSession(tel *telephony.Conn, remote string) {
	id := uuid.NewString()
	log := slog.With("session_id", id)
	tracer := trace.NewTracer(h.cfg.TraceStore, id)
	defer tracer.Close()

	sess := NewSession(Params{
		ID:        id,
		Telephony: tel,
		Dial:      h.cfg.Dial,
		Lookup:    h.cfg.Lookup,
		Config:    h.cfg.Session,
		Tracer:    tracer,
		Logger:    log,
	})

	log.Info("call connected", "remote", remote)
	start := time.Now()
	err := sess.Run(h.cfg.BaseContext)
	elapsed := time.Since(start)

	metrics.SessionDuration.Observe(elapsed.Seconds())
	tracer.End(sess.State().String())

	if err != nil {
		kind := errorKind(err)
		metrics.Errors.WithLabelValues(kind).Inc()
		log.Error("call ended with error", "kind", kind, "error", err, "duration_s", elapsed.Seconds())
		return
	}
	log.Info("call ended", "stream_sid", sess.StreamSID(), "duration_s", elapsed.Seconds())
}
