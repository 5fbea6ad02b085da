package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFactoryRejectsBadTurnDetection(t *testing.T) {
	_, err := Factory(engine.Settings{"turn_detection": "psychic"}, testLogger())
	if !engine.IsKind(err, engine.KindConfiguration) {
		t.Fatalf("error = %v, want configuration kind", err)
	}
}

func TestInitializeRequiresAPIKey(t *testing.T) {
	e, err := Factory(engine.Settings{}, testLogger())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if err := e.Initialize(context.Background()); !engine.IsKind(err, engine.KindInitialization) {
		t.Fatalf("error = %v, want initialization kind", err)
	}
}

// scriptedConn acks negotiation and completes the turn after the commit,
// emitting a fixed number of partials first.
type scriptedConn struct {
	partials int
	inbound  chan stream.Event
	done     chan struct{}
	once     sync.Once
}

func newScriptedConn(partials int) *scriptedConn {
	c := &scriptedConn{
		partials: partials,
		inbound:  make(chan stream.Event, partials+4),
		done:     make(chan struct{}),
	}
	c.inbound <- stream.Event{Type: stream.EventTypeSessionReady}
	return c
}

func (c *scriptedConn) WriteEvent(_ context.Context, evt stream.Event) error {
	switch evt.Type {
	case stream.EventTypeAudioCommit:
		for i := 0; i < c.partials; i++ {
			c.inbound <- stream.Event{Type: stream.EventTypePartialTranscript, Transcript: "partial text"}
		}
		c.inbound <- stream.Event{Type: stream.EventTypeFinalTranscript, Transcript: "final text"}
	}
	return nil
}

func (c *scriptedConn) ReadEvent(ctx context.Context) (stream.Event, error) {
	select {
	case evt := <-c.inbound:
		return evt, nil
	case <-c.done:
		return stream.Event{}, io.EOF
	case <-ctx.Done():
		return stream.Event{}, ctx.Err()
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

type scriptedDialer struct {
	partials int
}

func (d scriptedDialer) Dial(context.Context) (stream.Conn, error) {
	partials := d.partials
	if partials == 0 {
		partials = 1
	}
	return newScriptedConn(partials), nil
}

func newScriptedEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Factory(engine.Settings{
		"api_key":             "sk-test",
		"turn_detection":      "manual",
		"finalize_timeout_ms": 5000,
		"chunk_size":          4,
	}, testLogger())
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	e := eng.(*Engine)
	e.dialer = scriptedDialer{}
	return e
}

func TestRecognizeRunsOneSession(t *testing.T) {
	e := newScriptedEngine(t)
	if err := e.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tr, err := e.Recognize(context.Background(), []byte("eightbyte"), "en")
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if tr.Text != "final text" {
		t.Errorf("text = %q, want %q", tr.Text, "final text")
	}
	if tr.Engine != Name || tr.Language != "en" {
		t.Errorf("engine/language = %q/%q", tr.Engine, tr.Language)
	}
}

func TestRecognizeStreamRelaysPartialsAndFinal(t *testing.T) {
	e := newScriptedEngine(t)

	chunks := make(chan []byte, 2)
	chunks <- []byte("aaaa")
	chunks <- []byte("bbbb")
	close(chunks)

	out, err := e.RecognizeStream(context.Background(), chunks, "en")
	if err != nil {
		t.Fatalf("recognize stream: %v", err)
	}

	var results []string
	var sawFinal bool
	deadline := time.After(5 * time.Second)
	for {
		select {
		case res, ok := <-out:
			if !ok {
				if !sawFinal {
					t.Fatal("channel closed without a final result")
				}
				if len(results) == 0 || results[len(results)-1] != "final text" {
					t.Fatalf("results = %v", results)
				}
				return
			}
			if res.Err != nil {
				t.Fatalf("stream error: %v", res.Err)
			}
			results = append(results, res.Result.Text)
			if res.Result.Final {
				sawFinal = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream results")
		}
	}
}

func TestRecognizeStreamStalledConsumerUnblocksOnCancel(t *testing.T) {
	e := newScriptedEngine(t)
	e.dialer = scriptedDialer{partials: 12}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan []byte, 1)
	chunks <- []byte("aaaa")
	close(chunks)

	out, err := e.RecognizeStream(ctx, chunks, "en")
	if err != nil {
		t.Fatalf("recognize stream: %v", err)
	}

	// Let the relay fill the output buffer while nothing reads it.
	waitUntil := time.Now().Add(5 * time.Second)
	for len(out) < cap(out) {
		if time.Now().After(waitUntil) {
			t.Fatalf("buffer never filled, len=%d", len(out))
		}
		time.Sleep(time.Millisecond)
	}

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("relay did not exit after cancellation")
		}
	}
}
