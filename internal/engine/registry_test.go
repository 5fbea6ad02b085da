package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-asr/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	name     string
	initErr  error
	inits    int
	cleanups int
}

func (f *fakeEngine) Initialize(context.Context) error {
	f.inits++
	return f.initErr
}
func (f *fakeEngine) Recognize(context.Context, []byte, string) (*transcript.Transcript, error) {
	return transcript.New("", "en", nil, f.name), nil
}
func (f *fakeEngine) RecognizeStream(context.Context, <-chan []byte, string) (<-chan StreamResult, error) {
	return nil, RecognitionErr(f.name, "streaming unavailable", ErrUnsupportedOperation)
}
func (f *fakeEngine) SupportedLanguages() []string { return []string{"en"} }
func (f *fakeEngine) Name() string                 { return f.name }
func (f *fakeEngine) Cleanup() error {
	f.cleanups++
	return nil
}

func TestCreateUnregistered(t *testing.T) {
	reg := NewRegistry(newLogger())
	reg.Register("whisper", func(Settings, *slog.Logger) (Engine, error) {
		return &fakeEngine{name: "whisper"}, nil
	})

	_, err := reg.Create(context.Background(), "nope", nil)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if !strings.Contains(err.Error(), "whisper") {
		t.Fatalf("expected registered names in message, got %q", err.Error())
	}
}

func TestInitFailureNotCached(t *testing.T) {
	reg := NewRegistry(newLogger())
	attempts := 0
	reg.Register("flaky", func(Settings, *slog.Logger) (Engine, error) {
		attempts++
		if attempts == 1 {
			return &fakeEngine{name: "flaky", initErr: InitError("flaky", "missing api key", nil)}, nil
		}
		return &fakeEngine{name: "flaky"}, nil
	})

	_, err := reg.Create(context.Background(), "flaky", nil)
	if !IsKind(err, KindInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}
	if _, ok := reg.Get("flaky"); ok {
		t.Fatal("failed engine must not be cached")
	}

	eng, err := reg.GetOrCreate(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("expected second construction to succeed: %v", err)
	}
	if eng == nil || attempts != 2 {
		t.Fatalf("expected re-construction, attempts=%d", attempts)
	}
}

func TestGetOrCreateFirstWriterWins(t *testing.T) {
	reg := NewRegistry(newLogger())
	var seen []Settings
	reg.Register("whisper", func(cfg Settings, _ *slog.Logger) (Engine, error) {
		seen = append(seen, cfg)
		return &fakeEngine{name: "whisper"}, nil
	})

	a, err := reg.GetOrCreate(context.Background(), "whisper", Settings{"model_path": "a.bin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := reg.GetOrCreate(context.Background(), "whisper", Settings{"model_path": "b.bin"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached instance")
	}
	if len(seen) != 1 || seen[0].String("model_path", "") != "a.bin" {
		t.Fatalf("expected a single construction with the first config, got %v", seen)
	}
}

func TestGetOrCreateConcurrentSingleInstance(t *testing.T) {
	reg := NewRegistry(newLogger())
	constructions := 0
	reg.Register("whisper", func(Settings, *slog.Logger) (Engine, error) {
		constructions++
		return &fakeEngine{name: "whisper"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.GetOrCreate(context.Background(), "whisper", nil); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if constructions != 1 {
		t.Fatalf("expected one construction under concurrency, got %d", constructions)
	}
}

func TestCleanupAll(t *testing.T) {
	reg := NewRegistry(newLogger())
	first := &fakeEngine{name: "a"}
	second := &fakeEngine{name: "b", initErr: nil}
	reg.Register("a", func(Settings, *slog.Logger) (Engine, error) { return first, nil })
	reg.Register("b", func(Settings, *slog.Logger) (Engine, error) { return second, nil })

	if _, err := reg.Create(context.Background(), "a", nil); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := reg.Create(context.Background(), "b", nil); err != nil {
		t.Fatalf("create b: %v", err)
	}

	reg.CleanupAll()
	if first.cleanups != 1 || second.cleanups != 1 {
		t.Fatalf("expected every engine cleaned, got %d/%d", first.cleanups, second.cleanups)
	}
	if _, ok := reg.Get("a"); ok {
		t.Fatal("expected cache drained")
	}
}

func TestUnsupportedOperationKind(t *testing.T) {
	f := &fakeEngine{name: "batchapi"}
	_, err := f.RecognizeStream(context.Background(), nil, "")
	if !IsKind(err, KindRecognition) {
		t.Fatalf("expected recognition kind, got %v", err)
	}
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported-operation cause, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	reg := NewRegistry(newLogger())
	for _, name := range []string{"realtime", "batchapi", "whisper"} {
		reg.Register(name, MockFactory)
	}
	names := reg.List()
	want := []string{"batchapi", "realtime", "whisper"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}
