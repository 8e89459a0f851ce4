package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/trace"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/twilio"
)

const (
	streamPath = "/websocket"

	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20
	maxTraceSessionLimit     = 200
)

type deps struct {
	greeting        string
	twilioAuthToken string
	publicURL       string
	relay           http.Handler
	traceStore      *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("GET /{$}", handleIndex)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/twiml", d.handleTwiML)
	mux.Handle(streamPath, d.relay)
	mux.Handle("GET /metrics", promhttp.Handler())
	registerTraceRoutes(mux, d.traceStore)
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Twilio media stream relay is running",
		"endpoints": map[string]string{
			"voice_webhook":   "POST /twiml",
			"voice_websocket": "WSS " + streamPath,
		},
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleTwiML answers Twilio's voice webhook by pointing the call's media
// stream at this server.
func (d deps) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if d.twilioAuthToken != "" && !twilio.ValidateRequest(r, d.twilioAuthToken, d.publicURL) {
		slog.Warn("rejected twiml request with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	host := r.Host
	if host == "" {
		host = "localhost"
	}
	body, err := twilio.ConnectStream(d.greeting, twilio.StreamURL(host, streamPath))
	if err != nil {
		slog.Error("build twiml", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("incoming call webhook", "call_sid", r.FormValue("CallSid"), "from", r.FormValue("From"))
	w.Header().Set("Content-Type", "application/xml")
	w.Write(body)
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := min(queryInt(r, "limit", defaultTraceSessionLimit), maxTraceSessionLimit)
		offset := queryInt(r, "offset", 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			slog.Error("list trace sessions", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, turns, calls, err := store.GetSession(r.Context(), r.PathValue("id"))
		if errors.Is(err, trace.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			slog.Error("get trace session", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "turns": turns, "tool_calls": calls})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
