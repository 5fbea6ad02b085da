package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-asr/internal/transcript"
)

// mockEngine produces deterministic transcripts for tests and for
// configurations running with mode "mock".
type mockEngine struct {
	sampleRate int
}

// NewMockEngine returns an engine that echoes payload sizes instead of
// recognizing speech.
func NewMockEngine(sampleRate int) Engine {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &mockEngine{sampleRate: sampleRate}
}

// MockFactory registers the mock engine under the conventional "mock" name.
func MockFactory(cfg Settings, _ *slog.Logger) (Engine, error) {
	return NewMockEngine(cfg.Int("sample_rate", 16000)), nil
}

func (m *mockEngine) Initialize(context.Context) error { return nil }
func (m *mockEngine) Cleanup() error                   { return nil }
func (m *mockEngine) Name() string                     { return "mock" }

func (m *mockEngine) SupportedLanguages() []string {
	return []string{"en", "zh", "ja", "auto"}
}

func (m *mockEngine) Recognize(_ context.Context, audio []byte, language string) (*transcript.Transcript, error) {
	if language == "" {
		language = "en"
	}
	end := float64(len(audio)) / float64(m.sampleRate) / 2
	text := fmt.Sprintf("[mock transcript length=%d]", len(audio))
	segs := []transcript.Segment{{Start: 0, End: end, Text: text, Confidence: 1}}
	return transcript.New(text, language, segs, m.Name()), nil
}

func (m *mockEngine) RecognizeStream(ctx context.Context, chunks <-chan []byte, language string) (<-chan StreamResult, error) {
	out := make(chan StreamResult, 1)
	go func() {
		defer close(out)
		var total int
		for {
			select {
			case <-ctx.Done():
				out <- StreamResult{Err: RecognitionErr(m.Name(), "stream cancelled", ctx.Err())}
				return
			case chunk, ok := <-chunks:
				if !ok {
					end := float64(total) / float64(m.sampleRate) / 2
					out <- StreamResult{Result: transcript.Result{
						Text:       fmt.Sprintf("[mock transcript length=%d]", total),
						Confidence: 1,
						End:        end,
						Final:      true,
					}}
					return
				}
				total += len(chunk)
			}
		}
	}()
	return out, nil
}
