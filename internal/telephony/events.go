// Package telephony speaks the Twilio Media Streams protocol: JSON text frames
// carrying base64 μ-law audio at 8 kHz in both directions.
package telephony

// Inbound and outbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Media format advertised by Twilio for bidirectional streams.
const (
	EncodingMulaw = "audio/x-mulaw"
	SampleRate    = 8000
)

// Event is a single Media Streams frame. Only the fields relevant to the
// event type are populated.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// StartStreamSID returns the stream identifier of a start event, preferring the
// nested start block and falling back to the top-level field.
func (e Event) StartStreamSID() string {
	if e.Start != nil && e.Start.StreamSID != "" {
		return e.Start.StreamSID
	}
	return e.StreamSID
}

// CallSID returns the call identifier carried by a start or stop event.
func (e Event) CallSID() string {
	switch {
	case e.Start != nil:
		return e.Start.CallSID
	case e.Stop != nil:
		return e.Stop.CallSID
	}
	return ""
}

// MediaFrame builds an outbound media frame for streamSID.
func MediaFrame(streamSID, payload string) Event {
	return Event{Event: EventMedia, StreamSID: streamSID, Media: &MediaPayload{Payload: payload}}
}

// ClearFrame builds an outbound clear frame that discards queued playback.
func ClearFrame(streamSID string) Event {
	return Event{Event: EventClear, StreamSID: streamSID}
}
