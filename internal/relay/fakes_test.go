package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/realtime"
	"github.com/AbdullrahmanEsmael2007/LLMviaWhatsApp/internal/telephony"
)

const waitTimeout = 2 * time.Second

var errClosed = errors.New("use of closed network connection")

// fakeTelephony is a channel-backed TelephonyLeg. Closing in reads as a
// hangup.
type fakeTelephony struct {
	in     chan telephony.Event
	out    chan telephony.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		in:     make(chan telephony.Event, 64),
		out:    make(chan telephony.Event, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeTelephony) Recv() (telephony.Event, error) {
	select {
	case ev, ok := <-f.in:
		if !ok {
			return telephony.Event{}, io.EOF
		}
		return ev, nil
	case <-f.closed:
		return telephony.Event{}, errClosed
	}
}

func (f *fakeTelephony) SendMedia(streamSID, payload string) error {
	return f.send(telephony.MediaFrame(streamSID, payload))
}

func (f *fakeTelephony) SendClear(streamSID string) error {
	return f.send(telephony.ClearFrame(streamSID))
}

func (f *fakeTelephony) send(ev telephony.Event) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	f.out <- ev
	return nil
}

func (f *fakeTelephony) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeModel is a channel-backed ModelLeg. Closing in reads as a normal close;
// a value on errs is returned from the next Recv.
type fakeModel struct {
	in     chan realtime.ServerEvent
	errs   chan error
	out    chan realtime.ClientEvent
	closed chan struct{}
	once   sync.Once
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		in:     make(chan realtime.ServerEvent, 64),
		errs:   make(chan error, 1),
		out:    make(chan realtime.ClientEvent, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeModel) Recv() (realtime.ServerEvent, error) {
	select {
	case ev, ok := <-f.in:
		if !ok {
			return realtime.ServerEvent{}, io.EOF
		}
		return ev, nil
	case err := <-f.errs:
		return realtime.ServerEvent{}, err
	case <-f.closed:
		return realtime.ServerEvent{}, errClosed
	}
}

func (f *fakeModel) Send(ev realtime.ClientEvent) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	f.out <- ev
	return nil
}

func (f *fakeModel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// fakeLookup records queries. When release is set each Lookup blocks until a
// value arrives on it.
type fakeLookup struct {
	answer  string
	err     error
	started chan string
	release chan struct{}

	mu      sync.Mutex
	queries []string
}

func (f *fakeLookup) Lookup(ctx context.Context, query string) (string, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- query
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.answer, f.err
}

func (f *fakeLookup) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// harness runs one Session against fake legs.
type harness struct {
	t     *testing.T
	sess  *Session
	tel   *fakeTelephony
	model *fakeModel

	done     chan error
	finished bool
	err      error
	barriers int
}

// startSession runs a session through setup and consumes its session.update.
func startSession(t *testing.T, cfg Config, lk Lookup) *harness {
	t.Helper()
	h := newHarness(t, cfg, lk)
	h.model.in <- realtime.ServerEvent{Type: realtime.EventSessionCreated}
	h.expectModel(realtime.TypeSessionUpdate)
	return h
}

// newHarness starts Run without completing setup.
func newHarness(t *testing.T, cfg Config, lk Lookup) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		tel:   newFakeTelephony(),
		model: newFakeModel(),
		done:  make(chan error, 1),
	}
	h.sess = NewSession(Params{
		ID:        "test-session",
		Telephony: h.tel,
		Dial:      func(ctx context.Context) (ModelLeg, error) { return h.model, nil },
		Lookup:    lk,
		Config:    cfg,
	})
	go func() { h.done <- h.sess.Run(context.Background()) }()
	t.Cleanup(func() {
		h.model.Close()
		h.tel.Close()
		h.wait()
	})
	return h
}

// wait returns Run's result, failing the test if it does not end in time.
func (h *harness) wait() error {
	h.t.Helper()
	if !h.finished {
		select {
		case h.err = <-h.done:
			h.finished = true
		case <-time.After(waitTimeout):
			h.t.Fatalf("session did not end")
		}
	}
	return h.err
}

func (h *harness) running() bool {
	if h.finished {
		return false
	}
	select {
	case h.err = <-h.done:
		h.finished = true
		return false
	default:
		return true
	}
}

func (h *harness) pushTel(ev telephony.Event) {
	h.tel.in <- ev
}

func (h *harness) pushModel(ev realtime.ServerEvent) {
	h.model.in <- ev
}

func (h *harness) expectModel(typ string) realtime.ClientEvent {
	h.t.Helper()
	select {
	case ev := <-h.model.out:
		if ev.Type != typ {
			h.t.Fatalf("model got %q, want %q", ev.Type, typ)
		}
		return ev
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for %q to the model", typ)
	}
	return realtime.ClientEvent{}
}

func (h *harness) expectTel(event string) telephony.Event {
	h.t.Helper()
	select {
	case ev := <-h.tel.out:
		if ev.Event != event {
			h.t.Fatalf("telephony got %q, want %q", ev.Event, event)
		}
		return ev
	case <-time.After(waitTimeout):
		h.t.Fatalf("timed out waiting for %q to telephony", event)
	}
	return telephony.Event{}
}

func (h *harness) expectNoModel() {
	h.t.Helper()
	select {
	case ev := <-h.model.out:
		h.t.Fatalf("unexpected %q to the model", ev.Type)
	default:
	}
}

func (h *harness) expectNoTel() {
	h.t.Helper()
	select {
	case ev := <-h.tel.out:
		h.t.Fatalf("unexpected %q to telephony", ev.Event)
	default:
	}
}

// startStream sends a start event and waits until the telephony pump has
// processed it.
func (h *harness) startStream(sid string) {
	h.t.Helper()
	h.pushTel(telephony.Event{
		Event:     telephony.EventStart,
		StreamSID: sid,
		Start:     &telephony.StartPayload{StreamSID: sid, CallSID: "CA1"},
	})
	h.pushTel(mediaEvent(sid, "sync"))
	if ev := h.expectModel(realtime.TypeInputAudioAppend); ev.Audio != "sync" {
		h.t.Fatalf("append audio = %q, want sync", ev.Audio)
	}
}

// barrier round-trips an unknown tool call through the model pump. Once it
// returns, every model event pushed before it has been handled.
func (h *harness) barrier() {
	h.t.Helper()
	h.barriers++
	id := fmt.Sprintf("barrier-%d", h.barriers)
	h.pushModel(functionCall(id, "barrier_probe", `{}`))
	ev := h.expectModel(realtime.TypeConversationCreate)
	if ev.Item == nil || ev.Item.CallID != id {
		h.t.Fatalf("barrier answered %+v, want call %s", ev.Item, id)
	}
	h.expectModel(realtime.TypeResponseCreate)
}

func mediaEvent(sid, payload string) telephony.Event {
	return telephony.Event{Event: telephony.EventMedia, StreamSID: sid, Media: &telephony.MediaPayload{Track: "inbound", Payload: payload}}
}

func stopEvent(sid string) telephony.Event {
	return telephony.Event{Event: telephony.EventStop, StreamSID: sid, Stop: &telephony.StopPayload{CallSID: "CA1"}}
}

func functionCall(callID, name, args string) realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.EventFunctionCallArgumentsDone, CallID: callID, Name: name, Arguments: args}
}

func assistantItem(id string) realtime.ServerEvent {
	return realtime.ServerEvent{
		Type: realtime.EventConversationItemCreated,
		Item: &realtime.Item{ID: id, Type: "message", Role: realtime.RoleAssistant},
	}
}

func audioDelta(delta string) realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.EventAudioDelta, ResponseID: "resp_1", Delta: delta}
}

func responseDone(id, status string) realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.EventResponseDone, Response: &realtime.Response{ID: id, Status: status}}
}

func speechStarted() realtime.ServerEvent {
	return realtime.ServerEvent{Type: realtime.EventSpeechStarted}
}
