// Package stream implements the realtime transcription session: an explicit
// state machine driving one chunked-audio exchange over a message-oriented
// connection. The wire shape is the generic realtime-API convention:
// JSON events for session configuration, base64 audio appends, an optional
// commit, and inbound partial/final transcription events. Concrete backends
// map onto this shape through the Dialer/Conn transport abstraction.
package stream

// Outbound event types.
const (
	EventTypeSessionConfigure = "session.update"
	EventTypeAudioAppend      = "input_audio_buffer.append"
	EventTypeAudioCommit      = "input_audio_buffer.commit"
)

// Inbound event types.
const (
	EventTypeSessionReady      = "session.updated"
	EventTypePartialTranscript = "conversation.item.input_audio_transcription.text"
	EventTypeFinalTranscript   = "conversation.item.input_audio_transcription.completed"
	EventTypeError             = "error"
	EventTypeSessionClosed     = "session.closed"
)

// Event is one message exchanged with the realtime backend. Fields are
// populated according to Type; audio payloads travel base64-encoded in
// Audio.
type Event struct {
	ID         string         `json:"event_id,omitempty"`
	Type       string         `json:"type"`
	Session    *SessionParams `json:"session,omitempty"`
	Audio      string         `json:"audio,omitempty"`
	Transcript string         `json:"transcript,omitempty"`
	Stash      string         `json:"stash,omitempty"`
	Error      *EventError    `json:"error,omitempty"`
}

// EventError is the backend's error payload.
type EventError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionParams is the negotiated session configuration sent in the
// configure event. TurnDetection is deliberately not omitempty: an explicit
// null tells the backend that turn detection is client-driven.
type SessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	SampleRate              int                  `json:"sample_rate,omitempty"`
	InputAudioTranscription *TranscriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection"`
}

// TranscriptionParams declares the target language.
type TranscriptionParams struct {
	Language string `json:"language,omitempty"`
}

// TurnDetection configures server-side voice-activity end-of-turn
// detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}
