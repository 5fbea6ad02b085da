// Package realtime implements a speech backend that talks to an
// OpenAI-style realtime transcription API over WebSocket. Whole-file
// recognition is expressed as one streaming session over the buffered
// audio.
package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/stream"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

const Name = "realtime"

const defaultChunkSize = 3200 // 100ms of 16kHz mono PCM16

// Engine drives one realtime session per recognition call. Instances are
// safe for concurrent use; sessions share nothing but configuration.
type Engine struct {
	dialer    stream.Dialer
	cfg       stream.Config
	chunkSize int
	languages []string
	apiKey    string
	log       *slog.Logger
}

// Factory builds a realtime engine from settings.
func Factory(cfg engine.Settings, log *slog.Logger) (engine.Engine, error) {
	url := cfg.String("url", "wss://dashscope.aliyuncs.com/api-ws/v1/realtime")
	apiKey := cfg.String("api_key", "")
	model := cfg.String("model", "gpt-4o-transcribe")

	e := &Engine{
		dialer: &stream.WSDialer{URL: url, Model: model, APIKey: apiKey},
		cfg: stream.Config{
			Encoding:         cfg.String("encoding", "pcm"),
			SampleRate:       cfg.Int("sample_rate", 16000),
			Language:         cfg.String("language", ""),
			TurnDetection:    cfg.String("turn_detection", stream.TurnDetectionServerVAD),
			SilenceChunks:    cfg.Int("silence_chunks", 30),
			SilenceChunkSize: cfg.Int("silence_chunk_size", 1024),
			SettleDelay:      time.Duration(cfg.Int("settle_delay_ms", 2000)) * time.Millisecond,
			FinalizeTimeout:  time.Duration(cfg.Int("finalize_timeout_ms", 60000)) * time.Millisecond,
			PaceInterval:     time.Duration(cfg.Int("pace_interval_ms", 0)) * time.Millisecond,
		},
		chunkSize: cfg.Int("chunk_size", defaultChunkSize),
		languages: []string{"zh", "en", "ja", "ko"},
		apiKey:    apiKey,
		log:       log.With(slog.String("engine", Name)),
	}

	switch e.cfg.TurnDetection {
	case stream.TurnDetectionServerVAD, stream.TurnDetectionManual:
	default:
		return nil, engine.ConfigError(Name, "turn_detection must be server_vad or manual", nil)
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) SupportedLanguages() []string { return e.languages }

// Initialize validates credentials. The connection itself is established
// per session, so there is nothing to warm up.
func (e *Engine) Initialize(_ context.Context) error {
	if e.apiKey == "" {
		return engine.InitError(Name, "api_key is required", nil)
	}
	return nil
}

func (e *Engine) Cleanup() error { return nil }

// Recognize runs one session over the buffered audio and collapses its
// output into a transcript.
func (e *Engine) Recognize(ctx context.Context, audio []byte, language string) (*transcript.Transcript, error) {
	chunks := make(chan []byte, 1)
	go func() {
		defer close(chunks)
		for off := 0; off < len(audio); off += e.chunkSize {
			end := off + e.chunkSize
			if end > len(audio) {
				end = len(audio)
			}
			select {
			case chunks <- audio[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()

	sess, err := e.openSession(ctx, language)
	if err != nil {
		return nil, err
	}
	text, err := sess.Run(ctx, chunks, nil)
	if err != nil {
		return nil, engine.RecognitionErr(Name, "realtime session failed", err)
	}

	lang := language
	if lang == "" {
		lang = e.cfg.Language
	}
	return transcript.New(text, lang, nil, Name), nil
}

// RecognizeStream runs a session over the caller's chunk feed, relaying
// partials as non-final results and the session outcome as the final one.
func (e *Engine) RecognizeStream(ctx context.Context, chunks <-chan []byte, language string) (<-chan engine.StreamResult, error) {
	sess, err := e.openSession(ctx, language)
	if err != nil {
		return nil, err
	}

	out := make(chan engine.StreamResult, 8)
	go func() {
		defer close(out)
		text, err := sess.Run(ctx, chunks, func(partial string) {
			select {
			case out <- engine.StreamResult{Result: transcript.Result{
				Text:       partial,
				Confidence: transcript.ConfidenceUnknown,
			}}:
			case <-ctx.Done():
			}
		})
		var last engine.StreamResult
		if err != nil {
			last = engine.StreamResult{Err: engine.RecognitionErr(Name, "realtime session failed", err)}
		} else {
			last = engine.StreamResult{Result: transcript.Result{
				Text:       text,
				Confidence: transcript.ConfidenceUnknown,
				Final:      true,
			}}
		}
		// A stalled consumer must not pin this goroutine.
		select {
		case out <- last:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (e *Engine) openSession(ctx context.Context, language string) (*stream.Session, error) {
	cfg := e.cfg
	if language != "" {
		cfg.Language = language
	}
	sess, err := stream.Open(ctx, e.dialer, cfg, e.log)
	if err != nil {
		return nil, engine.RecognitionErr(Name, "open realtime session", err)
	}
	return sess, nil
}
