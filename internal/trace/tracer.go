package trace

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxTextLen   = 500
	bufferSize   = 128
	writeTimeout = 5 * time.Second
)

type msgKind string

const (
	kindSessionCreate msgKind = "session_create"
	kindSessionStream msgKind = "session_stream"
	kindSessionEnd    msgKind = "session_end"
	kindTurnCreate    msgKind = "turn_create"
	kindTurnEnd       msgKind = "turn_end"
	kindToolCall      msgKind = "tool_call"
)

type traceMsg struct {
	kind msgKind
	at   time.Time
	// session fields
	streamSID string
	callSID   string
	state     string
	// turn fields
	turn        Turn
	durationMs  float64
	status      string
	audioChunks int
	// tool call fields
	call ToolCall
}

// Tracer writes one session's trace asynchronously through a buffered
// channel so the audio path never waits on the database. When the buffer is
// full records are dropped. All methods are no-ops on a nil receiver.
type Tracer struct {
	store     *Store
	sessionID string
	ch        chan traceMsg
	done      chan struct{}
}

// NewTracer creates the session row and returns a tracer bound to it. It
// returns nil when store is nil. Callers must Close it.
func NewTracer(store *Store, sessionID string) *Tracer {
	if store == nil {
		return nil
	}
	t := &Tracer{
		store:     store,
		sessionID: sessionID,
		ch:        make(chan traceMsg, bufferSize),
		done:      make(chan struct{}),
	}
	t.ch <- traceMsg{kind: kindSessionCreate, at: time.Now()}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch m.kind {
	case kindSessionCreate:
		err = t.store.CreateSession(ctx, t.sessionID, m.at)
	case kindSessionStream:
		err = t.store.SetStream(ctx, t.sessionID, m.streamSID, m.callSID)
	case kindSessionEnd:
		err = t.store.EndSession(ctx, t.sessionID, m.state, m.at)
	case kindTurnCreate:
		err = t.store.CreateTurn(ctx, m.turn)
	case kindTurnEnd:
		err = t.store.EndTurn(ctx, m.turn.ID, m.durationMs, m.status, m.audioChunks)
	case kindToolCall:
		err = t.store.CreateToolCall(ctx, m.call)
	}
	if err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "session_id", t.sessionID, "error", err)
	}
}

func (t *Tracer) send(m traceMsg) {
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace buffer full, dropping record", "kind", m.kind, "session_id", t.sessionID)
	}
}

// Stream records the telephony stream and call identifiers.
func (t *Tracer) Stream(streamSID, callSID string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: kindSessionStream, streamSID: streamSID, callSID: callSID})
}

// StartTurn opens a turn for the given model response item and returns the
// turn id.
func (t *Tracer) StartTurn(responseID string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: kindTurnCreate, turn: Turn{
		ID:         id,
		SessionID:  t.sessionID,
		ResponseID: responseID,
		StartedAt:  time.Now(),
	}})
	return id
}

// EndTurn finalizes a turn opened by StartTurn.
func (t *Tracer) EndTurn(turnID string, startedAt time.Time, status string, audioChunks int) {
	if t == nil || turnID == "" {
		return
	}
	t.send(traceMsg{
		kind:        kindTurnEnd,
		turn:        Turn{ID: turnID},
		durationMs:  float64(time.Since(startedAt).Microseconds()) / 1000,
		status:      status,
		audioChunks: audioChunks,
	})
}

// RecordToolCall stores a completed tool call. ID and SessionID are filled in.
func (t *Tracer) RecordToolCall(c ToolCall) {
	if t == nil {
		return
	}
	c.ID = uuid.NewString()
	c.SessionID = t.sessionID
	c.Query = truncate(c.Query, maxTextLen)
	c.Answer = truncate(c.Answer, maxTextLen)
	c.Error = truncate(c.Error, maxTextLen)
	t.send(traceMsg{kind: kindToolCall, call: c})
}

// End records the final session state.
func (t *Tracer) End(state string) {
	if t == nil {
		return
	}
	t.send(traceMsg{kind: kindSessionEnd, state: state, at: time.Now()})
}

// Close drains pending writes and stops the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	close(t.ch)
	<-t.done
}

// truncate caps s at max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
