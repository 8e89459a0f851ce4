// Package relay bridges a telephony media stream to a realtime speech model:
// caller audio goes up, synthesized audio comes down, caller speech
// interrupts the model, and model tool calls are served from the knowledge
// base.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/metrics"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/telephony"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/trace"
)

const (
	defaultSetupTimeout  = 10 * time.Second
	defaultDrainGrace    = 10 * time.Second
	defaultToolQueueSize = 4
	modelEventBuffer     = 64
)

// TelephonyLeg is the caller side of a session.
type TelephonyLeg interface {
	Recv() (telephony.Event, error)
	SendMedia(streamSID, payload string) error
	SendClear(streamSID string) error
	Close() error
}

// ModelLeg is the speech model side of a session.
type ModelLeg interface {
	Recv() (realtime.ServerEvent, error)
	Send(ev realtime.ClientEvent) error
	Close() error
}

// Dialer opens a model leg.
type Dialer func(ctx context.Context) (ModelLeg, error)

// Lookup answers knowledge-base queries. Implementations bound their own
// latency.
type Lookup interface {
	Lookup(ctx context.Context, query string) (string, error)
}

// Config is the per-session behaviour shared by every call.
type Config struct {
	// Session is sent to the model in session.update.
	Session realtime.SessionConfig
	// FillerAudio is a base64 μ-law clip played while a lookup runs. Empty
	// disables it.
	FillerAudio   string
	SetupTimeout  time.Duration
	DrainGrace    time.Duration
	ToolQueueSize int
}

func (c Config) withDefaults() Config {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = defaultSetupTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.ToolQueueSize <= 0 {
		c.ToolQueueSize = defaultToolQueueSize
	}
	return c
}

// Params wires a Session to its legs and collaborators.
type Params struct {
	ID        string
	Telephony TelephonyLeg
	Dial      Dialer
	Lookup    Lookup
	Config    Config
	Tracer    *trace.Tracer
	Logger    *slog.Logger
}

// Session relays one call. Each mutable field has a single writer: the
// telephony pump owns streamSID and callSID, the model pump owns everything
// under "model pump state".
type Session struct {
	id     string
	cfg    Config
	log    *slog.Logger
	tel    TelephonyLeg
	dial   Dialer
	lookup Lookup
	tracer *trace.Tracer

	model ModelLeg
	state atomic.Int32

	streamSID atomic.Pointer[string]
	callSID   atomic.Pointer[string]

	// closed by the telephony pump on stop
	inputDone   chan struct{}
	toolReqs    chan toolRequest
	toolResults chan toolResult

	// model pump state
	activeResponseID string
	audioChunks      int
	turnID           string
	turnStarted      time.Time
	openResponses    map[string]struct{}
	awaitingResponse bool
	pending          map[string]struct{}
	answered         map[string]struct{}
}

// NewSession creates a session in the CONNECTING state.
func NewSession(p Params) *Session {
	cfg := p.Config.withDefaults()
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		id:            p.ID,
		cfg:           cfg,
		log:           log,
		tel:           p.Telephony,
		dial:          p.Dial,
		lookup:        p.Lookup,
		tracer:        p.Tracer,
		inputDone:     make(chan struct{}),
		toolReqs:      make(chan toolRequest, cfg.ToolQueueSize),
		toolResults:   make(chan toolResult),
		openResponses: make(map[string]struct{}),
		pending:       make(map[string]struct{}),
		answered:      make(map[string]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// StreamSID returns the telephony stream id, or "" before the start event.
func (s *Session) StreamSID() string {
	if p := s.streamSID.Load(); p != nil {
		return *p
	}
	return ""
}

// Run connects the model leg and relays until either leg ends, the input
// drains after a stop, or ctx is cancelled. Both legs are closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.finish()

	if err := s.connect(ctx); err != nil {
		return err
	}
	s.setState(StateActive)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, s.closeLegs)
	defer stop()

	events := make(chan realtime.ServerEvent, modelEventBuffer)
	g.Go(func() error { return s.pumpTelephony(gctx, cancel) })
	g.Go(func() error { return s.readModel(gctx, events) })
	g.Go(func() error {
		defer cancel()
		return s.pumpModel(gctx, events)
	})
	g.Go(func() error { return s.runTools(gctx) })

	return g.Wait()
}

// connect dials the model, waits for session.created and sends the session
// configuration, all within the setup timeout.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SetupTimeout)
	defer cancel()

	model, err := s.dial(ctx)
	if err != nil {
		return &SetupError{Err: fmt.Errorf("dial model: %w", err)}
	}
	s.model = model

	stop := context.AfterFunc(ctx, func() { model.Close() })

	ev, err := model.Recv()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		stop()
		return &SetupError{Err: fmt.Errorf("waiting for session.created: %w", err)}
	}
	if ev.Type != realtime.EventSessionCreated {
		stop()
		if ev.Type == realtime.EventError && ev.Error != nil {
			return &SetupError{Err: fmt.Errorf("model error before session.created: %s", ev.Error.Message)}
		}
		return &SetupError{Err: fmt.Errorf("unexpected first event %q", ev.Type)}
	}
	if err = model.Send(realtime.SessionUpdate(s.cfg.Session)); err != nil {
		stop()
		return &SetupError{Err: fmt.Errorf("send session.update: %w", err)}
	}
	if !stop() {
		return &SetupError{Err: fmt.Errorf("waiting for session.created: %w", context.DeadlineExceeded)}
	}
	s.log.Info("model session created", "voice", s.cfg.Session.Voice)
	return nil
}

func (s *Session) closeLegs() {
	if s.tel != nil {
		s.tel.Close()
	}
	if s.model != nil {
		s.model.Close()
	}
}

func (s *Session) finish() {
	s.setState(StateClosing)
	s.closeLegs()
	if s.turnID != "" {
		s.tracer.EndTurn(s.turnID, s.turnStarted, "interrupted", s.audioChunks)
		s.turnID = ""
	}
	s.setState(StateClosed)
}

// pumpTelephony forwards caller frames to the model until stop, hangup or
// cancellation. It is the only writer of streamSID.
func (s *Session) pumpTelephony(ctx context.Context, cancel context.CancelFunc) error {
	for {
		ev, err := s.tel.Recv()
		if err != nil {
			if errors.Is(err, telephony.ErrMalformedFrame) {
				s.log.Warn("skipping malformed telephony frame", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("telephony connection closed")
				cancel()
				return nil
			}
			return &TransportError{Leg: LegTelephony, Err: err}
		}

		done, err := s.handleTelephonyEvent(ev)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if done {
			return nil
		}
	}
}

// handleTelephonyEvent reports done after a stop event.
func (s *Session) handleTelephonyEvent(ev telephony.Event) (bool, error) {
	switch ev.Event {
	case telephony.EventMedia:
		if ev.Media == nil {
			return false, nil
		}
		if err := s.model.Send(realtime.AppendAudio(ev.Media.Payload)); err != nil {
			return false, &TransportError{Leg: LegModel, Err: err}
		}
		metrics.Frames.WithLabelValues("inbound").Inc()
	case telephony.EventStart:
		sid := ev.StartStreamSID()
		call := ev.CallSID()
		s.streamSID.Store(&sid)
		s.callSID.Store(&call)
		s.log.Info("incoming stream started", "stream_sid", sid, "call_sid", call)
		s.tracer.Stream(sid, call)
	case telephony.EventStop:
		s.log.Info("incoming stream stopped", "stream_sid", s.StreamSID())
		close(s.inputDone)
		return true, nil
	default:
		s.log.Debug("ignoring telephony event", "event", ev.Event)
	}
	return false, nil
}

// readModel moves model events onto events so the model pump can select over
// them alongside tool results and timers. It closes events on return.
func (s *Session) readModel(ctx context.Context, events chan<- realtime.ServerEvent) error {
	defer close(events)
	for {
		ev, err := s.model.Recv()
		if err != nil {
			if errors.Is(err, realtime.ErrMalformedEvent) {
				s.log.Warn("skipping malformed model event", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.log.Info("model connection closed")
				return nil
			}
			return &TransportError{Leg: LegModel, Err: err}
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// pumpModel owns the turn and tool state. After the caller stops it keeps
// going until the session is idle or the drain grace runs out.
func (s *Session) pumpModel(ctx context.Context, events <-chan realtime.ServerEvent) error {
	inputDone := s.inputDone
	var grace <-chan time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleModelEvent(ev); err != nil {
				if ctx.Err() != nil || s.hungUp(inputDone, err) {
					return nil
				}
				return err
			}
		case res := <-s.toolResults:
			if err := s.completeTool(res); err != nil {
				if ctx.Err() != nil || s.hungUp(inputDone, err) {
					return nil
				}
				return err
			}
		case <-inputDone:
			inputDone = nil
			s.setState(StateClosing)
			timer := time.NewTimer(s.cfg.DrainGrace)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			s.log.Warn("drain grace expired", "active_response_id", s.activeResponseID, "pending_tools", len(s.pending))
			return nil
		case <-ctx.Done():
			return nil
		}

		if inputDone == nil && s.idle() {
			s.log.Info("session drained")
			return nil
		}
	}
}

// hungUp reports whether err is the caller's socket going away after stop,
// which ends the drain rather than failing the session.
func (s *Session) hungUp(inputDone <-chan struct{}, err error) bool {
	var te *TransportError
	if inputDone != nil || !errors.As(err, &te) || te.Leg != LegTelephony {
		return false
	}
	s.log.Info("caller hung up during drain", "error", err)
	return true
}

func (s *Session) idle() bool {
	return s.activeResponseID == "" &&
		len(s.openResponses) == 0 &&
		len(s.pending) == 0 &&
		!s.awaitingResponse
}

func (s *Session) handleModelEvent(ev realtime.ServerEvent) error {
	switch ev.Type {
	case realtime.EventSessionUpdated:
		s.log.Info("model session updated")
	case realtime.EventSpeechStarted:
		return s.interrupt()
	case realtime.EventAudioDelta:
		return s.forwardAudio(ev)
	case realtime.EventConversationItemCreated:
		if ev.Item != nil && ev.Item.Role == realtime.RoleAssistant {
			s.openTurn(ev.Item.ID)
		}
	case realtime.EventResponseCreated:
		if ev.Response != nil && ev.Response.ID != "" {
			s.openResponses[ev.Response.ID] = struct{}{}
		}
		s.awaitingResponse = false
	case realtime.EventAudioDone:
		s.log.Debug("response audio done", "chunks", s.audioChunks)
		s.audioChunks = 0
	case realtime.EventResponseDone:
		s.closeTurn(ev.Response)
	case realtime.EventFunctionCallArgumentsDone:
		return s.dispatchTool(ev)
	case realtime.EventError:
		s.logModelError(ev.Error)
	default:
		s.log.Debug("ignoring model event", "type", ev.Type)
	}
	return nil
}

// interrupt handles caller barge-in: flush queued playback on the telephony
// side, then cancel the open turn. The two writes are independent; the first
// failure is returned after both were attempted.
func (s *Session) interrupt() error {
	metrics.BargeIns.Inc()
	var firstErr error

	if sid := s.StreamSID(); sid != "" {
		if err := s.tel.SendClear(sid); err != nil {
			firstErr = &TransportError{Leg: LegTelephony, Err: err}
		}
	}
	if s.activeResponseID != "" {
		s.log.Info("caller interrupted response", "item_id", s.activeResponseID)
		if err := s.model.Send(realtime.CancelResponse()); err != nil && firstErr == nil {
			firstErr = &TransportError{Leg: LegModel, Err: err}
		}
		metrics.Cancels.Inc()
	}
	return firstErr
}

func (s *Session) forwardAudio(ev realtime.ServerEvent) error {
	s.audioChunks++
	sid := s.StreamSID()
	if sid == "" {
		metrics.AudioDropped.Inc()
		s.log.Debug("dropping model audio before stream start", "response_id", ev.ResponseID)
		return nil
	}
	if s.audioChunks == 1 {
		s.log.Info("first audio delta", "response_id", ev.ResponseID, "item_id", ev.ItemID)
	}
	if err := s.tel.SendMedia(sid, ev.Delta); err != nil {
		return &TransportError{Leg: LegTelephony, Err: err}
	}
	metrics.Frames.WithLabelValues("outbound").Inc()
	return nil
}

func (s *Session) openTurn(itemID string) {
	if s.turnID != "" {
		s.tracer.EndTurn(s.turnID, s.turnStarted, "superseded", s.audioChunks)
	}
	s.activeResponseID = itemID
	s.turnStarted = time.Now()
	s.turnID = s.tracer.StartTurn(itemID)
	s.log.Debug("response started", "item_id", itemID)
}

// closeTurn clears the open turn whatever the response status.
func (s *Session) closeTurn(resp *realtime.Response) {
	status := ""
	if resp != nil {
		status = resp.Status
		delete(s.openResponses, resp.ID)
		if resp.Status == realtime.StatusFailed {
			err := fmt.Errorf("%w: response %s: %s", ErrModelResponseFailed, resp.ID, string(resp.StatusDetails))
			s.log.Error("model response failed", "error", err)
			metrics.ResponseFailures.Inc()
		}
	}
	if s.turnID != "" {
		s.tracer.EndTurn(s.turnID, s.turnStarted, status, s.audioChunks)
	}
	s.log.Debug("response done", "status", status, "item_id", s.activeResponseID)
	s.activeResponseID = ""
	s.audioChunks = 0
	s.turnID = ""
}

func (s *Session) logModelError(apiErr *realtime.APIError) {
	if apiErr == nil {
		apiErr = &realtime.APIError{}
	}
	kind := apiErr.Type
	if kind == "" {
		kind = "unknown"
	}
	metrics.ModelErrors.WithLabelValues(kind).Inc()
	s.log.Warn("model reported error", "type", apiErr.Type, "code", apiErr.Code, "message", apiErr.Message)
}
