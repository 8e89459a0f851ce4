package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Currently active relay sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total relay sessions accepted",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sessions_rejected_total",
		Help: "Calls refused because the relay was at capacity",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_session_duration_seconds",
		Help:    "Wall time from accept to close",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// Frames counts frames forwarded, by direction: "inbound" is caller audio
	// to the model, "outbound" is model audio to the caller.
	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Audio frames forwarded by direction",
	}, []string{"direction"})

	AudioDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_audio_dropped_total",
		Help: "Model audio deltas dropped because the stream id was not yet known",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_barge_ins_total",
		Help: "Caller speech-start events",
	})

	Cancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_cancels_total",
		Help: "response.cancel events sent to the model",
	})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tool_calls_total",
		Help: "Tool calls by outcome",
	}, []string{"outcome"})

	LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_lookup_duration_seconds",
		Help:    "Knowledge base lookup latency including re-authentication",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 20.0},
	})

	ResponseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_failures_total",
		Help: "Model responses that ended with status failed",
	})

	ModelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_model_errors_total",
		Help: "error events reported by the model, by type",
	}, []string{"type"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Session-ending errors by kind",
	}, []string{"kind"})
)
