package trace

import "time"

// Session is one relayed phone call.
type Session struct {
	ID        string     `json:"id"`
	StreamSID string     `json:"stream_sid,omitempty"`
	CallSID   string     `json:"call_sid,omitempty"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	TurnCount int        `json:"turn_count"`
	ToolCount int        `json:"tool_count"`
}

// Turn is one spoken model response, from item creation to response.done.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ResponseID  string    `json:"response_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  float64   `json:"duration_ms,omitempty"`
	Status      string    `json:"status"`
	AudioChunks int       `json:"audio_chunks"`
}

// ToolCall is one knowledge-base round trip requested by the model.
type ToolCall struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	CallID     string    `json:"call_id"`
	Name       string    `json:"name"`
	Query      string    `json:"query,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
}
