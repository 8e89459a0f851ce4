package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/telephony"
)

func TestSetupSendsSessionUpdate(t *testing.T) {
	h := newHarness(t, Config{Session: realtime.PhoneSession("alloy", "be brief", 0.8, nil)}, nil)
	h.pushModel(realtime.ServerEvent{Type: realtime.EventSessionCreated})

	ev := h.expectModel(realtime.TypeSessionUpdate)
	if ev.Session == nil || ev.Session.Voice != "alloy" || ev.Session.InputAudioFormat != realtime.AudioFormatG711Ulaw {
		t.Fatalf("unexpected session.update %+v", ev.Session)
	}

	deadline := time.Now().Add(waitTimeout)
	for h.sess.State() != StateActive {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want ACTIVE", h.sess.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetupErrorOnUnexpectedFirstEvent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.pushModel(realtime.ServerEvent{Type: realtime.EventAudioDelta, Delta: "AAAA"})

	err := h.wait()
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected SetupError, got %v", err)
	}
	if h.sess.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", h.sess.State())
	}
	h.expectNoModel()
}

func TestSetupTimeout(t *testing.T) {
	h := newHarness(t, Config{SetupTimeout: 50 * time.Millisecond}, nil)

	err := h.wait()
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected setup timeout, got %v", err)
	}
}

func TestSetupDialFailure(t *testing.T) {
	tel := newFakeTelephony()
	sess := NewSession(Params{
		Telephony: tel,
		Dial: func(ctx context.Context) (ModelLeg, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	})

	err := sess.Run(context.Background())
	var setupErr *SetupError
	if !errors.As(err, &setupErr) {
		t.Fatalf("expected SetupError, got %v", err)
	}
	select {
	case <-tel.closed:
	default:
		t.Fatalf("telephony leg left open")
	}
}

func TestMediaForwardedInOrder(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	for i := 0; i < 50; i++ {
		h.pushTel(mediaEvent("S1", fmt.Sprintf("chunk-%02d", i)))
	}
	for i := 0; i < 50; i++ {
		ev := h.expectModel(realtime.TypeInputAudioAppend)
		if want := fmt.Sprintf("chunk-%02d", i); ev.Audio != want {
			t.Fatalf("append %d = %q, want %q", i, ev.Audio, want)
		}
	}

	h.pushTel(stopEvent("S1"))
	if err := h.wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.sess.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", h.sess.State())
	}
}

func TestIgnoredTelephonyEvents(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.pushTel(telephony.Event{Event: telephony.EventConnected, Protocol: "Call"})
	h.pushTel(telephony.Event{Event: telephony.EventMark, Mark: &telephony.MarkPayload{Name: "m1"}})
	h.pushTel(telephony.Event{Event: "dtmf"})
	h.startStream("S1")
	h.expectNoModel()
}

func TestAudioRelayScenario(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.pushTel(mediaEvent("S1", "AAAA"))
	if ev := h.expectModel(realtime.TypeInputAudioAppend); ev.Audio != "AAAA" {
		t.Fatalf("append audio = %q, want AAAA", ev.Audio)
	}

	h.pushModel(audioDelta("BBBB"))
	ev := h.expectTel(telephony.EventMedia)
	if ev.StreamSID != "S1" || ev.Media == nil || ev.Media.Payload != "BBBB" {
		t.Fatalf("unexpected media frame %+v", ev)
	}
}

func TestAudioBeforeStartDropped(t *testing.T) {
	h := startSession(t, Config{}, nil)

	h.pushModel(audioDelta("EARLY"))
	h.barrier()
	h.expectNoTel()
	if !h.running() {
		t.Fatalf("session ended after early audio: %v", h.err)
	}

	h.startStream("S1")
	h.pushModel(audioDelta("LATE"))
	if ev := h.expectTel(telephony.EventMedia); ev.Media.Payload != "LATE" {
		t.Fatalf("payload = %q, want LATE", ev.Media.Payload)
	}
}

func TestSpeechStartedWithoutStreamSendsNoClear(t *testing.T) {
	h := startSession(t, Config{}, nil)

	h.pushModel(speechStarted())
	h.barrier()
	h.expectNoTel()
	h.expectNoModel()
}

func TestSpeechStartedClearsKnownStream(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.pushModel(speechStarted())
	if ev := h.expectTel(telephony.EventClear); ev.StreamSID != "S1" {
		t.Fatalf("clear stream = %q, want S1", ev.StreamSID)
	}
	h.barrier()
	h.expectNoTel()
}

func TestSpeechStartedWithoutTurnSendsNoCancel(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.pushModel(speechStarted())
	h.expectTel(telephony.EventClear)
	h.barrier()
	h.expectNoModel()
}

func TestBargeInCancelsOpenTurnOnce(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.pushModel(assistantItem("R1"))
	h.pushModel(audioDelta("BBBB"))
	h.expectTel(telephony.EventMedia)

	h.pushModel(speechStarted())
	if ev := h.expectTel(telephony.EventClear); ev.StreamSID != "S1" {
		t.Fatalf("clear stream = %q, want S1", ev.StreamSID)
	}
	h.expectModel(realtime.TypeResponseCancel)
	h.barrier()
	h.expectNoModel()

	// The turn stays open until the model acknowledges the cancel.
	h.pushModel(speechStarted())
	h.expectTel(telephony.EventClear)
	h.expectModel(realtime.TypeResponseCancel)

	h.pushModel(responseDone("resp_1", realtime.StatusCancelled))
	h.pushModel(speechStarted())
	h.expectTel(telephony.EventClear)
	h.barrier()
	h.expectNoModel()
}

func TestResponseFailedKeepsSession(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.pushModel(assistantItem("R1"))
	h.pushModel(realtime.ServerEvent{
		Type:     realtime.EventResponseDone,
		Response: &realtime.Response{ID: "resp_1", Status: realtime.StatusFailed, StatusDetails: []byte(`{"type":"failed","error":{"code":"server_error"}}`)},
	})
	h.pushModel(realtime.ServerEvent{Type: realtime.EventError, Error: &realtime.APIError{Type: "invalid_request_error", Message: "bad"}})

	// A cleared turn means no cancel on barge-in.
	h.pushModel(speechStarted())
	h.expectTel(telephony.EventClear)
	h.barrier()
	h.expectNoModel()
	if !h.running() {
		t.Fatalf("session ended after failed response: %v", h.err)
	}
}

func TestDrainAfterStopWaitsForResponseDone(t *testing.T) {
	h := startSession(t, Config{DrainGrace: 5 * time.Second}, nil)
	h.startStream("S1")

	h.pushModel(assistantItem("R1"))
	h.pushModel(audioDelta("HEAD"))
	h.expectTel(telephony.EventMedia)
	h.pushTel(stopEvent("S1"))

	h.pushModel(audioDelta("TAIL"))
	if ev := h.expectTel(telephony.EventMedia); ev.Media.Payload != "TAIL" {
		t.Fatalf("payload = %q, want TAIL", ev.Media.Payload)
	}
	if !h.running() {
		t.Fatalf("session ended before the response finished: %v", h.err)
	}

	h.pushModel(responseDone("resp_1", realtime.StatusCompleted))
	if err := h.wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.sess.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", h.sess.State())
	}
}

func TestDrainGraceExpires(t *testing.T) {
	h := startSession(t, Config{DrainGrace: 50 * time.Millisecond}, nil)
	h.startStream("S1")

	h.pushModel(assistantItem("R1"))
	h.pushModel(audioDelta("BBBB"))
	h.expectTel(telephony.EventMedia)
	h.pushTel(stopEvent("S1"))

	if err := h.wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSocketClosedDuringDrainEndsCleanly(t *testing.T) {
	h := startSession(t, Config{DrainGrace: 5 * time.Second}, nil)
	h.startStream("S1")

	h.pushModel(assistantItem("R1"))
	h.pushModel(audioDelta("HEAD"))
	h.expectTel(telephony.EventMedia)
	h.pushTel(stopEvent("S1"))

	deadline := time.Now().Add(waitTimeout)
	for h.sess.State() != StateClosing {
		if time.Now().After(deadline) {
			t.Fatalf("session never started draining")
		}
		time.Sleep(time.Millisecond)
	}

	// The carrier drops the socket right after stop.
	h.tel.Close()
	h.pushModel(audioDelta("TAIL"))

	if err := h.wait(); err != nil {
		t.Fatalf("run: %v, want clean end", err)
	}
}

func TestSocketClosedBeforeStopIsTransportError(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")

	h.tel.Close()
	h.pushModel(assistantItem("R1"))
	h.pushModel(audioDelta("BBBB"))

	err := h.wait()
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Leg != LegTelephony {
		t.Fatalf("expected telephony TransportError, got %v", err)
	}
}

func TestTelephonyHangupEndsSession(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.startStream("S1")
	h.pushModel(assistantItem("R1"))

	close(h.tel.in)
	if err := h.wait(); err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case <-h.model.closed:
	default:
		t.Fatalf("model leg left open")
	}
}

func TestModelTransportError(t *testing.T) {
	h := startSession(t, Config{}, nil)
	h.model.errs <- errors.New("connection reset by peer")

	err := h.wait()
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Leg != LegModel {
		t.Fatalf("expected model TransportError, got %v", err)
	}
	select {
	case <-h.tel.closed:
	default:
		t.Fatalf("telephony leg left open")
	}
}

func TestContextCancelEndsSession(t *testing.T) {
	tel, model := newFakeTelephony(), newFakeModel()
	sess := NewSession(Params{
		Telephony: tel,
		Dial:      func(ctx context.Context) (ModelLeg, error) { return model, nil },
	})
	model.in <- realtime.ServerEvent{Type: realtime.EventSessionCreated}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	select {
	case <-model.out:
	case <-time.After(waitTimeout):
		t.Fatalf("no session.update")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("session did not end on cancel")
	}
	if sess.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", sess.State())
	}
}

func TestStateOnlyMovesForward(t *testing.T) {
	s := NewSession(Params{})
	s.setState(StateClosing)
	s.setState(StateActive)
	if s.State() != StateClosing {
		t.Fatalf("state = %s, want CLOSING", s.State())
	}
	if got := State(42).String(); got != "UNKNOWN" {
		t.Fatalf("String() = %q", got)
	}
}
