// Package engine defines the speech-recognition backend contract and the
// registry that manages backend lifecycles. Backends register a factory by
// name; the registry constructs, initializes and caches one live instance
// per name.
package engine

import (
	"context"

	"github.com/loqalabs/loqa-asr/internal/transcript"
)

// StreamResult carries one streaming recognition result or a terminal
// failure. After a result with Err set or Result.Final set, no further
// results are delivered for the session.
type StreamResult struct {
	Result transcript.Result
	Err    error
}

// Engine abstracts a speech-recognition backend.
//
// Initialize is idempotent and must leave the instance ready for concurrent
// Recognize calls. Cleanup is safe to call repeatedly; Initialize may be
// called again afterwards to reuse the instance.
type Engine interface {
	// Initialize loads models or validates credentials.
	Initialize(ctx context.Context) error

	// Recognize transcribes a fully buffered mono PCM16 payload. language
	// may be empty for the engine default or auto-detection.
	Recognize(ctx context.Context, audio []byte, language string) (*transcript.Transcript, error)

	// RecognizeStream consumes a chunk sequence and emits partial results
	// followed by exactly one final result (or a failure) on the returned
	// channel, which is closed when the session ends. Cancelling ctx
	// abandons the session and releases its resources.
	RecognizeStream(ctx context.Context, chunks <-chan []byte, language string) (<-chan StreamResult, error)

	// SupportedLanguages returns the language codes the backend accepts.
	SupportedLanguages() []string

	// Name returns the backend's registry name.
	Name() string

	// Cleanup releases model and connection resources.
	Cleanup() error
}
