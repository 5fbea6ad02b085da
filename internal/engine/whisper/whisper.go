// Package whisper implements a local speech backend on whisper.cpp. The
// native bindings require cgo and the whisper_cpp build tag; without the
// tag a stub model loader is compiled in so the rest of the binary still
// builds and the engine reports an initialization failure instead.
package whisper

import (
	"context"
	"encoding/binary"
	"log/slog"
	"runtime"
	"sync"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

const Name = "whisper"

// model is the build-tag seam between the engine and the native bindings.
type model interface {
	transcribe(pcm []float32, language string) ([]transcript.Segment, string, error)
	close() error
}

// Engine wraps one loaded whisper model. The model is loaded lazily on
// Initialize so construction stays cheap and failures surface as typed
// initialization errors.
type Engine struct {
	modelPath string
	language  string
	threads   uint
	log       *slog.Logger

	mu    sync.Mutex
	model model
}

// Factory builds a whisper engine from settings.
func Factory(cfg engine.Settings, log *slog.Logger) (engine.Engine, error) {
	threads := cfg.Int("threads", runtime.NumCPU())
	if threads <= 0 {
		return nil, engine.ConfigError(Name, "threads must be positive", nil)
	}
	return &Engine{
		modelPath: cfg.String("model_path", ""),
		language:  cfg.String("language", "auto"),
		threads:   uint(threads),
		log:       log.With(slog.String("engine", Name)),
	}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) SupportedLanguages() []string {
	return []string{"auto", "en", "zh", "de", "es", "fr", "ja", "ko", "ru"}
}

// Initialize loads the model. Repeat calls with a loaded model are no-ops.
func (e *Engine) Initialize(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return nil
	}
	if e.modelPath == "" {
		return engine.InitError(Name, "model_path is required", nil)
	}
	m, err := loadModel(e.modelPath, e.threads)
	if err != nil {
		return engine.InitError(Name, "load model", err)
	}
	e.model = m
	e.log.Info("model loaded", slog.String("path", e.modelPath))
	return nil
}

func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.close()
	e.model = nil
	return err
}

// Recognize transcribes a buffered PCM16 payload. Decoding is serialized
// on the model; whisper.cpp contexts are not safe to share.
func (e *Engine) Recognize(ctx context.Context, audio []byte, language string) (*transcript.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, engine.InitError(Name, "engine not initialized", nil)
	}

	lang := language
	if lang == "" {
		lang = e.language
	}
	segments, detected, err := e.model.transcribe(pcm16ToFloat32(audio), lang)
	if err != nil {
		return nil, engine.RecognitionErr(Name, "transcribe", err)
	}
	if detected != "" {
		lang = detected
	}
	return transcript.New(joinSegments(segments), lang, segments, Name), nil
}

// RecognizeStream buffers the chunk feed and decodes it in one pass when
// the feed closes. whisper has no incremental mode, so the channel carries
// exactly one result, the final one.
func (e *Engine) RecognizeStream(ctx context.Context, chunks <-chan []byte, language string) (<-chan engine.StreamResult, error) {
	e.mu.Lock()
	initialized := e.model != nil
	e.mu.Unlock()
	if !initialized {
		return nil, engine.InitError(Name, "engine not initialized", nil)
	}

	out := make(chan engine.StreamResult, 1)
	go func() {
		defer close(out)
		var audio []byte
		for {
			select {
			case <-ctx.Done():
				out <- engine.StreamResult{Err: engine.RecognitionErr(Name, "stream cancelled", ctx.Err())}
				return
			case chunk, ok := <-chunks:
				if !ok {
					tr, err := e.Recognize(ctx, audio, language)
					if err != nil {
						out <- engine.StreamResult{Err: err}
						return
					}
					out <- engine.StreamResult{Result: transcript.Result{
						Text:       tr.Text,
						Confidence: transcript.ConfidenceUnknown,
						End:        tr.Duration(),
						Final:      true,
					}}
					return
				}
				audio = append(audio, chunk...)
			}
		}
	}()
	return out, nil
}

// pcm16ToFloat32 converts little-endian mono PCM16 to the [-1,1] float
// samples whisper.cpp consumes.
func pcm16ToFloat32(audio []byte) []float32 {
	samples := make([]float32, len(audio)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(audio[i*2:]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

func joinSegments(segments []transcript.Segment) string {
	var out string
	for i, seg := range segments {
		if i > 0 {
			out += " "
		}
		out += seg.Text
	}
	return out
}
