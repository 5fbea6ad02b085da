package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine failures so callers can branch on failure type
// without inspecting transport-level errors.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound means the requested engine name is not registered.
	KindNotFound
	// KindInitialization covers missing credentials, missing models and
	// load failures.
	KindInitialization
	// KindRecognition covers backend rejections, timeouts and malformed
	// backend output.
	KindRecognition
	// KindAudioProcessing covers failures preparing audio upstream of the
	// engine itself.
	KindAudioProcessing
	// KindConfiguration covers invalid engine settings.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInitialization:
		return "initialization"
	case KindRecognition:
		return "recognition"
	case KindAudioProcessing:
		return "audio_processing"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ErrUnsupportedOperation marks an operation a backend does not implement,
// e.g. streaming recognition on a whole-file-only engine. It is always
// wrapped in a KindRecognition error.
var ErrUnsupportedOperation = errors.New("operation not supported by this backend")

// Error is the typed failure every engine-internal error surfaces as. It
// carries the engine name and the underlying cause.
type Error struct {
	Kind   Kind
	Engine string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Engine != "" {
		fmt.Fprintf(&b, "engine %s: ", e.Engine)
	}
	b.WriteString(e.Msg)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFoundError builds a KindNotFound error listing the registered names.
func NotFoundError(name string, registered []string) *Error {
	return &Error{
		Kind:   KindNotFound,
		Engine: name,
		Msg:    fmt.Sprintf("not registered (available: %s)", strings.Join(registered, ", ")),
	}
}

// InitError builds a KindInitialization error.
func InitError(engine, msg string, err error) *Error {
	return &Error{Kind: KindInitialization, Engine: engine, Msg: msg, Err: err}
}

// RecognitionErr builds a KindRecognition error.
func RecognitionErr(engine, msg string, err error) *Error {
	return &Error{Kind: KindRecognition, Engine: engine, Msg: msg, Err: err}
}

// ConfigError builds a KindConfiguration error.
func ConfigError(engine, msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Engine: engine, Msg: msg, Err: err}
}

// IsKind reports whether err is (or wraps) an engine Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
