// Package realtime is a minimal client for the OpenAI Realtime WebSocket API,
// covering the events a telephony relay needs.
package realtime

import "encoding/json"

// Server events consumed by the relay.
const (
	EventSessionCreated            = "session.created"
	EventSessionUpdated            = "session.updated"
	EventSpeechStarted             = "input_audio_buffer.speech_started"
	EventSpeechStopped             = "input_audio_buffer.speech_stopped"
	EventAudioDelta                = "response.audio.delta"
	EventAudioDone                 = "response.audio.done"
	EventFunctionCallArgumentsDone = "response.function_call_arguments.done"
	EventConversationItemCreated   = "conversation.item.created"
	EventResponseCreated           = "response.created"
	EventResponseDone              = "response.done"
	EventError                     = "error"
)

// Client events sent by the relay.
const (
	TypeSessionUpdate      = "session.update"
	TypeInputAudioAppend   = "input_audio_buffer.append"
	TypeResponseCancel     = "response.cancel"
	TypeConversationCreate = "conversation.item.create"
	TypeResponseCreate     = "response.create"
)

// Response statuses reported by response.done.
const (
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

const (
	RoleAssistant          = "assistant"
	ItemFunctionCallOutput = "function_call_output"
	AudioFormatG711Ulaw    = "g711_ulaw"
	TurnDetectionServerVAD = "server_vad"
)

// ServerEvent is the union of the server events the relay reads. Fields not
// carried by a given event type stay zero.
type ServerEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id,omitempty"`
	ResponseID string    `json:"response_id,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
	Delta      string    `json:"delta,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Item       *Item     `json:"item,omitempty"`
	Response   *Response `json:"response,omitempty"`
	Error      *APIError `json:"error,omitempty"`
}

type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

type Response struct {
	ID            string          `json:"id,omitempty"`
	Status        string          `json:"status,omitempty"`
	StatusDetails json.RawMessage `json:"status_details,omitempty"`
}

type APIError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ClientEvent is any message the relay sends to the model.
type ClientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *SessionConfig `json:"session,omitempty"`
	Item    *Item          `json:"item,omitempty"`
}

// SessionConfig is the body of session.update.
type SessionConfig struct {
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	Tools             []Tool         `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// PhoneSession returns a session configuration for 8 kHz μ-law telephony
// audio with server-side voice activity detection.
func PhoneSession(voice, instructions string, temperature float64, tools []Tool) SessionConfig {
	cfg := SessionConfig{
		TurnDetection:     &TurnDetection{Type: TurnDetectionServerVAD},
		InputAudioFormat:  AudioFormatG711Ulaw,
		OutputAudioFormat: AudioFormatG711Ulaw,
		Voice:             voice,
		Instructions:      instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       temperature,
		Tools:             tools,
	}
	if len(tools) > 0 {
		cfg.ToolChoice = "auto"
	}
	return cfg
}

func SessionUpdate(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: TypeSessionUpdate, Session: &cfg}
}

func AppendAudio(payload string) ClientEvent {
	return ClientEvent{Type: TypeInputAudioAppend, Audio: payload}
}

func CancelResponse() ClientEvent {
	return ClientEvent{Type: TypeResponseCancel}
}

// FunctionCallOutput answers the tool call identified by callID.
func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{
		Type: TypeConversationCreate,
		Item: &Item{Type: ItemFunctionCallOutput, CallID: callID, Output: output},
	}
}

func CreateResponse() ClientEvent {
	return ClientEvent{Type: TypeResponseCreate}
}
