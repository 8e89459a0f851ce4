package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/lookup"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/metrics"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/tools"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/trace"
)

// Spoken back to the caller through the model when a lookup does not
// produce an answer.
const (
	FallbackAnswer = "Sorry, I couldn't access the knowledge base at this moment."
	RejectedAnswer = "I found some info but the system rejected the format."
)

var errNoLookup = errors.New("no knowledge base configured")

type toolRequest struct {
	call    tools.KnowledgeQuery
	started time.Time
}

type toolResult struct {
	call    tools.KnowledgeQuery
	started time.Time
	answer  string
	err     error
}

// dispatchTool routes a completed function call. Knowledge queries go to the
// tool worker; everything else is settled here.
func (s *Session) dispatchTool(ev realtime.ServerEvent) error {
	call := tools.Parse(ev.CallID, ev.Name, ev.Arguments)
	id := call.CallID()
	if _, ok := s.pending[id]; ok {
		s.log.Debug("ignoring duplicate tool call", "call_id", id)
		return nil
	}
	if _, ok := s.answered[id]; ok {
		s.log.Debug("ignoring repeated tool call", "call_id", id)
		return nil
	}

	switch c := call.(type) {
	case tools.Malformed:
		s.log.Warn("skipping malformed tool call", "call_id", c.ID, "error", c.Err())
		metrics.ToolCalls.WithLabelValues("malformed").Inc()
		s.tracer.RecordToolCall(trace.ToolCall{
			CallID:    c.ID,
			Name:      c.Name,
			Status:    "malformed",
			Error:     c.Reason,
			StartedAt: time.Now(),
		})
		return nil

	case tools.Unknown:
		s.log.Warn("model called unknown tool", "call_id", c.ID, "name", c.Name)
		metrics.ToolCalls.WithLabelValues("unknown").Inc()
		s.pending[c.ID] = struct{}{}
		return s.answer(c.ID, fmt.Sprintf("unknown tool %q", c.Name))

	case tools.KnowledgeQuery:
		s.log.Info("knowledge base query", "call_id", c.ID, "query", c.Query)
		s.pending[c.ID] = struct{}{}
		if err := s.sendFiller(); err != nil {
			return err
		}
		select {
		case s.toolReqs <- toolRequest{call: c, started: time.Now()}:
			return nil
		default:
			s.log.Warn("tool queue full, answering with fallback", "call_id", c.ID)
			metrics.ToolCalls.WithLabelValues("overflow").Inc()
			return s.answer(c.ID, FallbackAnswer)
		}
	}
	return nil
}

func (s *Session) sendFiller() error {
	if s.cfg.FillerAudio == "" {
		return nil
	}
	sid := s.StreamSID()
	if sid == "" {
		return nil
	}
	if err := s.tel.SendMedia(sid, s.cfg.FillerAudio); err != nil {
		return &TransportError{Leg: LegTelephony, Err: err}
	}
	return nil
}

// runTools serves knowledge queries one at a time so a slow lookup never
// blocks either pump.
func (s *Session) runTools(ctx context.Context) error {
	for {
		select {
		case req := <-s.toolReqs:
			res := toolResult{call: req.call, started: req.started}
			if s.lookup == nil {
				res.err = errNoLookup
			} else {
				res.answer, res.err = s.lookup.Lookup(lookup.WithLogger(ctx, s.log), req.call.Query)
			}
			select {
			case s.toolResults <- res:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// completeTool turns a lookup result into the model-facing output.
func (s *Session) completeTool(res toolResult) error {
	output, status := res.answer, "ok"
	switch {
	case errors.Is(res.err, lookup.ErrRejected):
		output, status = RejectedAnswer, "rejected"
	case res.err != nil:
		output, status = FallbackAnswer, "error"
	}

	elapsed := time.Since(res.started)
	metrics.ToolCalls.WithLabelValues(status).Inc()
	if res.err != nil {
		s.log.Warn("knowledge base lookup failed", "call_id", res.call.ID, "error", res.err)
	} else {
		s.log.Info("knowledge base answered", "call_id", res.call.ID, "duration_ms", elapsed.Milliseconds())
	}

	span := trace.ToolCall{
		CallID:     res.call.ID,
		Name:       tools.KnowledgeBaseName,
		Query:      res.call.Query,
		Answer:     output,
		Status:     status,
		StartedAt:  res.started,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	if res.err != nil {
		span.Error = res.err.Error()
	}
	s.tracer.RecordToolCall(span)

	err := s.answer(res.call.ID, output)
	if errors.Is(err, ErrStaleToolCall) {
		s.log.Warn("ignoring tool output", "error", err)
		return nil
	}
	return err
}

// answer submits output for a pending call and asks the model to continue.
// Each call id is answered at most once.
func (s *Session) answer(callID, output string) error {
	if _, ok := s.pending[callID]; !ok {
		return fmt.Errorf("%w: %s", ErrStaleToolCall, callID)
	}
	delete(s.pending, callID)
	s.answered[callID] = struct{}{}

	if err := s.model.Send(realtime.FunctionCallOutput(callID, output)); err != nil {
		return &TransportError{Leg: LegModel, Err: err}
	}
	if err := s.model.Send(realtime.CreateResponse()); err != nil {
		return &TransportError{Leg: LegModel, Err: err}
	}
	s.awaitingResponse = true
	return nil
}
