package whisper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

func newTestEngine(t *testing.T, cfg engine.Settings) engine.Engine {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := Factory(cfg, log)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	return e
}

func TestInitializeRequiresModelPath(t *testing.T) {
	e := newTestEngine(t, engine.Settings{})
	err := e.Initialize(context.Background())
	if !engine.IsKind(err, engine.KindInitialization) {
		t.Fatalf("error = %v, want initialization kind", err)
	}
}

func TestRecognizeBeforeInitialize(t *testing.T) {
	e := newTestEngine(t, engine.Settings{"model_path": "/models/ggml-base.bin"})
	_, err := e.Recognize(context.Background(), []byte{0, 0}, "")
	if !engine.IsKind(err, engine.KindInitialization) {
		t.Fatalf("error = %v, want initialization kind", err)
	}
}

func TestRecognizeStreamBeforeInitialize(t *testing.T) {
	e := newTestEngine(t, engine.Settings{"model_path": "/models/ggml-base.bin"})
	_, err := e.RecognizeStream(context.Background(), nil, "")
	if !engine.IsKind(err, engine.KindInitialization) {
		t.Fatalf("error = %v, want initialization kind", err)
	}
}

// fakeModel records the samples it was asked to decode.
type fakeModel struct {
	samples []float32
}

func (m *fakeModel) transcribe(pcm []float32, _ string) ([]transcript.Segment, string, error) {
	m.samples = pcm
	return []transcript.Segment{{Start: 0, End: 1.5, Text: "buffered utterance", Confidence: transcript.ConfidenceUnknown}}, "en", nil
}

func (m *fakeModel) close() error { return nil }

func TestRecognizeStreamBuffersThenDecodesOnce(t *testing.T) {
	e := newTestEngine(t, engine.Settings{"model_path": "/models/ggml-base.bin"}).(*Engine)
	fake := &fakeModel{}
	e.model = fake

	chunks := make(chan []byte, 2)
	chunks <- []byte{0x00, 0x00, 0xFF, 0x7F}
	chunks <- []byte{0x00, 0x80}
	close(chunks)

	out, err := e.RecognizeStream(context.Background(), chunks, "en")
	if err != nil {
		t.Fatalf("recognize stream: %v", err)
	}

	res, ok := <-out
	if !ok {
		t.Fatal("channel closed without a result")
	}
	if res.Err != nil {
		t.Fatalf("stream error: %v", res.Err)
	}
	if !res.Result.Final {
		t.Error("result not marked final")
	}
	if res.Result.Text != "buffered utterance" {
		t.Errorf("text = %q, want %q", res.Result.Text, "buffered utterance")
	}
	if len(fake.samples) != 3 {
		t.Errorf("decoded %d samples, want 3 from the concatenated chunks", len(fake.samples))
	}
	if _, ok := <-out; ok {
		t.Error("expected exactly one result")
	}
}

func TestRecognizeStreamCancelledWhileBuffering(t *testing.T) {
	e := newTestEngine(t, engine.Settings{"model_path": "/models/ggml-base.bin"}).(*Engine)
	e.model = &fakeModel{}

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan []byte)

	out, err := e.RecognizeStream(ctx, chunks, "en")
	if err != nil {
		t.Fatalf("recognize stream: %v", err)
	}
	cancel()

	res, ok := <-out
	if !ok {
		t.Fatal("channel closed without a result")
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", res.Err)
	}
	if !engine.IsKind(res.Err, engine.KindRecognition) {
		t.Fatalf("error = %v, want recognition kind", res.Err)
	}
}

func TestFactoryRejectsNonPositiveThreads(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Factory(engine.Settings{"threads": -2}, log)
	if !engine.IsKind(err, engine.KindConfiguration) {
		t.Fatalf("error = %v, want configuration kind", err)
	}
}

func TestPCM16Conversion(t *testing.T) {
	// 0, max positive, min negative as little-endian int16.
	audio := []byte{
		0x00, 0x00,
		0xFF, 0x7F,
		0x00, 0x80,
	}
	samples := pcm16ToFloat32(audio)
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	if samples[0] != 0 {
		t.Errorf("samples[0] = %v, want 0", samples[0])
	}
	if math.Abs(float64(samples[1])-32767.0/32768.0) > 1e-6 {
		t.Errorf("samples[1] = %v, want ~1", samples[1])
	}
	if samples[2] != -1 {
		t.Errorf("samples[2] = %v, want -1", samples[2])
	}
}
