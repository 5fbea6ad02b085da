package protocol

import "time"

// AudioFrame represents PCM audio data streamed by a client for
// incremental recognition.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscribeRequest asks for whole-file recognition of audio already on
// disk. Engine may be empty to use the configured default.
type TranscribeRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Language  string `json:"language,omitempty"`
	Engine    string `json:"engine,omitempty"`
}

// Transcript represents recognition output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Engine     string    `json:"engine,omitempty"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "asr.audio.frame"
	SubjectTranscribeRequest = "asr.request"
	SubjectTranscriptPartial = "asr.transcript.partial"
	SubjectTranscriptFinal   = "asr.transcript.final"
)
