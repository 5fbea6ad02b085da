//go:build whisper_cpp

package whisper

import (
	"errors"
	"fmt"
	"io"
	"strings"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-asr/internal/transcript"
)

type cppModel struct {
	model   whisperpkg.Model
	threads uint
}

func loadModel(path string, threads uint) (model, error) {
	m, err := whisperpkg.New(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return &cppModel{model: m, threads: threads}, nil
}

func (m *cppModel) transcribe(pcm []float32, language string) ([]transcript.Segment, string, error) {
	if len(pcm) == 0 {
		return nil, "", nil
	}

	ctx, err := m.model.NewContext()
	if err != nil {
		return nil, "", fmt.Errorf("create context: %w", err)
	}
	ctx.SetThreads(m.threads)
	_ = ctx.SetLanguage(language)
	ctx.SetTokenTimestamps(true)

	if err := ctx.Process(pcm, nil, nil, nil); err != nil {
		return nil, "", fmt.Errorf("process audio: %w", err)
	}

	var segments []transcript.Segment
	for {
		seg, err := ctx.NextSegment()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, "", fmt.Errorf("read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, transcript.Segment{
			Start:      seg.Start.Seconds(),
			End:        seg.End.Seconds(),
			Text:       text,
			Confidence: transcript.ConfidenceUnknown,
		})
	}

	detected := ctx.Language()
	if detected == "" {
		detected = ctx.DetectedLanguage()
	}
	return segments, detected, nil
}

func (m *cppModel) close() error {
	if m.model != nil {
		m.model.Close()
	}
	return nil
}
