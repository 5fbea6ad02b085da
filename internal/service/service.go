// Package service composes engines, resilience policies and storage into
// the recognition facade the daemon and the bus front-end call into.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr/internal/batch"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/resilience"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

type Service struct {
	cfg      config.Config
	registry *engine.Registry
	retry    *resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	store    *history.Store
	log      *slog.Logger
	metrics  *metrics
}

// New builds the facade. store may be nil when history is disabled.
func New(cfg config.Config, registry *engine.Registry, store *history.Store, log *slog.Logger) (*Service, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("init service metrics: %w", err)
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		retry: resilience.NewRetryPolicy(
			cfg.Retry.Enabled,
			cfg.Retry.MaxRetries,
			time.Duration(cfg.Retry.DelayMS)*time.Millisecond,
			log),
		breaker: resilience.NewCircuitBreaker(
			cfg.Breaker.Threshold,
			time.Duration(cfg.Breaker.TimeoutMS)*time.Millisecond),
		store:   store,
		log:     log.With(slog.String("component", "asr-service")),
		metrics: m,
	}, nil
}

// candidates returns the engine walk order: the preferred engine first,
// then the configured fallback chain with duplicates removed.
func (s *Service) candidates(preferred string) []string {
	primary := preferred
	if primary == "" {
		primary = s.cfg.Engine.Default
	}
	names := []string{primary}
	seen := map[string]bool{primary: true}
	for _, name := range s.cfg.Engine.FallbackOrder {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func (s *Service) engineSettings(name string) engine.Settings {
	settings := engine.Settings{}
	for k, v := range s.cfg.Engine.Engines[name] {
		settings[k] = v
	}
	if _, ok := settings["language"]; !ok && s.cfg.Engine.Language != "" {
		settings["language"] = s.cfg.Engine.Language
	}
	if _, ok := settings["sample_rate"]; !ok {
		settings["sample_rate"] = s.cfg.Engine.SampleRate
	}
	return settings
}

// Recognize transcribes buffered PCM16 audio, walking the fallback chain.
// Each candidate gets the full retry budget; engines whose circuit is open
// are skipped without an attempt. The last candidate's error propagates
// when the whole chain fails.
func (s *Service) Recognize(ctx context.Context, audio []byte, language, preferred string) (*transcript.Transcript, error) {
	seq := resilience.NewFallbackSequencer(s.candidates(preferred))

	var lastErr error
	for name := seq.Current(); name != ""; {
		if s.breaker.IsOpen(name) {
			s.log.Warn("circuit open, skipping engine", slog.String("engine", name))
			s.metrics.recordSkip(ctx, name)
			name = nextOrDone(seq)
			continue
		}

		eng, err := s.registry.GetOrCreate(ctx, name, s.engineSettings(name))
		if err != nil {
			s.log.Warn("engine unavailable",
				slog.String("engine", name), slog.String("error", err.Error()))
			s.breaker.RecordFailure(name)
			lastErr = err
			name = nextOrDone(seq)
			continue
		}

		start := time.Now()
		tr, err := resilience.Execute(ctx, s.retry, func(ctx context.Context) (*transcript.Transcript, error) {
			return eng.Recognize(ctx, audio, language)
		})
		if err == nil {
			s.breaker.RecordSuccess(name)
			s.metrics.recordRecognition(ctx, name, "success", time.Since(start))
			return tr, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		s.breaker.RecordFailure(name)
		s.metrics.recordRecognition(ctx, name, "failure", time.Since(start))
		s.log.Warn("recognition failed",
			slog.String("engine", name), slog.String("error", err.Error()))
		lastErr = err
		name = nextOrDone(seq)
		if name != "" {
			s.metrics.recordFallback(ctx, name)
			s.log.Info("falling back", slog.String("engine", name))
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no recognition engines configured")
	}
	return nil, lastErr
}

func nextOrDone(seq *resilience.FallbackSequencer) string {
	name, ok := seq.Next()
	if !ok {
		return ""
	}
	return name
}

// RecognizeFile loads a WAV file and transcribes it, recording the result
// in history when enabled.
func (s *Service) RecognizeFile(ctx context.Context, path, language, preferred string) (*transcript.Transcript, error) {
	pcm, _, err := LoadWAV(path, s.cfg.Engine.SampleRate)
	if err != nil {
		return nil, &engine.Error{Kind: engine.KindAudioProcessing, Msg: "load " + path, Err: err}
	}

	tr, err := s.Recognize(ctx, pcm, language, preferred)
	if err != nil {
		return nil, err
	}
	s.recordHistory(ctx, "file:"+path, path, tr)
	return tr, nil
}

// RecognizeSession transcribes buffered session audio and records the
// result in history under the caller's session ID.
func (s *Service) RecognizeSession(ctx context.Context, sessionID string, pcm []byte, language string) (*transcript.Transcript, error) {
	tr, err := s.Recognize(ctx, pcm, language, "")
	if err != nil {
		return nil, err
	}
	s.recordHistory(ctx, sessionID, "bus", tr)
	return tr, nil
}

func (s *Service) recordHistory(ctx context.Context, sessionID, source string, tr *transcript.Transcript) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendSession(ctx, sessionID, source); err != nil {
		s.log.Warn("history session write failed", slog.String("error", err.Error()))
		return
	}
	if err := s.store.AppendTranscript(ctx, sessionID, tr); err != nil {
		s.log.Warn("history write failed", slog.String("error", err.Error()))
	}
}

// BatchItem pairs an input path with its outcome.
type BatchItem struct {
	Path       string
	Transcript *transcript.Transcript
	Err        error
}

// RecognizeBatch transcribes many files under the configured concurrency
// cap. One file's failure never aborts the rest; outcomes keep input order.
func (s *Service) RecognizeBatch(ctx context.Context, paths []string, language string) []BatchItem {
	results := batch.Run(ctx, paths, s.cfg.Batch.MaxConcurrency,
		func(ctx context.Context, path string) (*transcript.Transcript, error) {
			return s.RecognizeFile(ctx, path, language, "")
		})

	items := make([]BatchItem, len(paths))
	for i, outcome := range results.Outcomes {
		items[i] = BatchItem{Path: paths[i], Transcript: outcome.Value, Err: outcome.Err}
		s.metrics.recordBatchItem(ctx, outcome.Err == nil)
	}
	return items
}

// RecognizeStream opens a streaming session on the first candidate engine
// that supports streaming. Candidates that do not are skipped the same way
// failed ones are on the batch path.
func (s *Service) RecognizeStream(ctx context.Context, chunks <-chan []byte, language, preferred string) (<-chan engine.StreamResult, error) {
	seq := resilience.NewFallbackSequencer(s.candidates(preferred))

	var lastErr error
	for name := seq.Current(); name != ""; name = nextOrDone(seq) {
		if s.breaker.IsOpen(name) {
			continue
		}
		eng, err := s.registry.GetOrCreate(ctx, name, s.engineSettings(name))
		if err != nil {
			s.breaker.RecordFailure(name)
			lastErr = err
			continue
		}
		out, err := eng.RecognizeStream(ctx, chunks, language)
		if err != nil {
			lastErr = err
			continue
		}
		return out, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no streaming-capable engine available")
	}
	return nil, lastErr
}

// Breaker exposes the circuit breaker for health reporting.
func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}
