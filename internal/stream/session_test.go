package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  []Event
	onWrite func(evt Event)

	inbound    chan Event
	done       chan struct{}
	doneOnce   sync.Once
	closeCalls atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan Event, 32),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) WriteEvent(_ context.Context, evt Event) error {
	c.mu.Lock()
	c.writes = append(c.writes, evt)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(evt)
	}
	return nil
}

func (c *fakeConn) ReadEvent(ctx context.Context) (Event, error) {
	select {
	case evt := <-c.inbound:
		return evt, nil
	case <-c.done:
		return Event{}, io.EOF
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeCalls.Add(1)
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) written() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func feed(chunks ...[]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestRunManualCommit(t *testing.T) {
	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}
	conn.onWrite = func(evt Event) {
		if evt.Type == EventTypeAudioCommit {
			conn.inbound <- Event{Type: EventTypePartialTranscript, Transcript: "hello"}
			conn.inbound <- Event{Type: EventTypeFinalTranscript, Transcript: "hello world"}
		}
	}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection:   TurnDetectionManual,
		FinalizeTimeout: 5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var partials []string
	text, err := sess.Run(context.Background(), feed([]byte("aaaa"), []byte("bbbb")), func(p string) {
		partials = append(partials, p)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if text != "hello world" {
		t.Errorf("final text = %q, want %q", text, "hello world")
	}
	if sess.State() != StateCompleted {
		t.Errorf("state = %v, want completed", sess.State())
	}
	if len(partials) != 1 || partials[0] != "hello" {
		t.Errorf("partials = %v, want [hello]", partials)
	}
	if n := conn.closeCalls.Load(); n != 1 {
		t.Errorf("close called %d times, want 1", n)
	}

	writes := conn.written()
	wantTypes := []string{
		EventTypeSessionConfigure,
		EventTypeAudioAppend,
		EventTypeAudioAppend,
		EventTypeAudioCommit,
	}
	if len(writes) != len(wantTypes) {
		t.Fatalf("wrote %d events, want %d: %+v", len(writes), len(wantTypes), writes)
	}
	for i, want := range wantTypes {
		if writes[i].Type != want {
			t.Errorf("write[%d].Type = %q, want %q", i, writes[i].Type, want)
		}
	}
	for i, want := range []string{"aaaa", "bbbb"} {
		raw, err := base64.StdEncoding.DecodeString(writes[i+1].Audio)
		if err != nil {
			t.Fatalf("decode append payload: %v", err)
		}
		if string(raw) != want {
			t.Errorf("append[%d] payload = %q, want %q", i, raw, want)
		}
	}
}

func TestRunServerVADSilencePadding(t *testing.T) {
	const silenceChunks = 3

	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}
	var appends atomic.Int32
	conn.onWrite = func(evt Event) {
		if evt.Type != EventTypeAudioAppend {
			return
		}
		// One voiced chunk plus the padding run triggers the backend's
		// turn detector.
		if appends.Add(1) == 1+silenceChunks {
			conn.inbound <- Event{Type: EventTypeFinalTranscript, Transcript: "padded"}
		}
	}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection:    TurnDetectionServerVAD,
		SilenceChunks:    silenceChunks,
		SilenceChunkSize: 8,
		FinalizeTimeout:  5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	text, err := sess.Run(context.Background(), feed([]byte("voiced99")), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if text != "padded" {
		t.Errorf("final text = %q, want %q", text, "padded")
	}

	var commits, audio int
	for _, evt := range conn.written() {
		switch evt.Type {
		case EventTypeAudioCommit:
			commits++
		case EventTypeAudioAppend:
			audio++
		}
	}
	if commits != 0 {
		t.Errorf("sent %d commit events in server_vad mode, want 0", commits)
	}
	if audio != 1+silenceChunks {
		t.Errorf("sent %d audio appends, want %d", audio, 1+silenceChunks)
	}

	// The padding chunks are zero bytes of the configured size.
	writes := conn.written()
	last := writes[len(writes)-1]
	raw, _ := base64.StdEncoding.DecodeString(last.Audio)
	if len(raw) != 8 {
		t.Errorf("silence chunk size = %d, want 8", len(raw))
	}
	for _, b := range raw {
		if b != 0 {
			t.Fatalf("silence chunk contains non-zero byte")
		}
	}
}

func TestEarlyFinalDrainsFeedUntilCancel(t *testing.T) {
	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}
	var firstAppend sync.Once
	conn.onWrite = func(evt Event) {
		if evt.Type == EventTypeAudioAppend {
			firstAppend.Do(func() {
				conn.inbound <- Event{Type: EventTypeFinalTranscript, Transcript: "early"}
			})
		}
	}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection:   TurnDetectionServerVAD,
		FinalizeTimeout: 5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan []byte)
	runDone := make(chan struct{})
	var text string
	var runErr error
	go func() {
		text, runErr = sess.Run(ctx, chunks, nil)
		close(runDone)
	}()

	chunks <- []byte("voiced")
	<-runDone
	if runErr != nil {
		t.Fatalf("run: %v", runErr)
	}
	if text != "early" {
		t.Errorf("final text = %q, want %q", text, "early")
	}

	// The producer stays unblocked after early completion.
	select {
	case chunks <- []byte("late"):
	case <-time.After(5 * time.Second):
		t.Fatal("feed blocked after early completion")
	}

	cancel()

	// Once the context is cancelled the drain stops accepting chunks.
	deadline := time.Now().Add(5 * time.Second)
	for {
		select {
		case chunks <- []byte("after-cancel"):
			if time.Now().After(deadline) {
				t.Fatal("feed still consumed after cancellation")
			}
			time.Sleep(time.Millisecond)
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestFinalizeTimeoutFailsAndClosesOnce(t *testing.T) {
	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection:   TurnDetectionManual,
		FinalizeTimeout: 50 * time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = sess.Run(context.Background(), feed([]byte("audio")), nil)
	if !errors.Is(err, ErrFinalizeTimeout) {
		t.Fatalf("run error = %v, want ErrFinalizeTimeout", err)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %v, want failed", sess.State())
	}
	if n := conn.closeCalls.Load(); n != 1 {
		t.Errorf("close called %d times, want 1", n)
	}
}

func TestRunCancellationClosesConnection(t *testing.T) {
	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection: TurnDetectionManual,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan []byte) // never closed: the consumer walks away
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = sess.Run(ctx, chunks, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run error = %v, want context.Canceled", err)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %v, want failed", sess.State())
	}
	if n := conn.closeCalls.Load(); n != 1 {
		t.Errorf("close called %d times, want 1", n)
	}
}

func TestBackendErrorFailsSession(t *testing.T) {
	conn := newFakeConn()
	conn.inbound <- Event{Type: EventTypeSessionReady}
	conn.onWrite = func(evt Event) {
		if evt.Type == EventTypeAudioAppend {
			conn.inbound <- Event{
				Type:  EventTypeError,
				Error: &EventError{Code: "invalid_audio", Message: "bad sample rate"},
			}
		}
	}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection: TurnDetectionManual,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = sess.Run(context.Background(), feed([]byte("audio")), nil)
	if err == nil || !strings.Contains(err.Error(), "invalid_audio") {
		t.Fatalf("run error = %v, want backend error with code", err)
	}
	if sess.State() != StateFailed {
		t.Errorf("state = %v, want failed", sess.State())
	}
}

func TestNegotiationProceedsAfterSettleDelay(t *testing.T) {
	// No ack event arrives; the session settles and streams anyway.
	conn := newFakeConn()
	conn.onWrite = func(evt Event) {
		if evt.Type == EventTypeAudioCommit {
			conn.inbound <- Event{Type: EventTypeFinalTranscript, Transcript: "settled"}
		}
	}

	sess, err := Open(context.Background(), &fakeDialer{conn: conn}, Config{
		TurnDetection:   TurnDetectionManual,
		SettleDelay:     20 * time.Millisecond,
		FinalizeTimeout: 5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	text, err := sess.Run(context.Background(), feed([]byte("audio")), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if text != "settled" {
		t.Errorf("final text = %q, want %q", text, "settled")
	}
}

func TestOpenDialFailure(t *testing.T) {
	wantErr := errors.New("connection refused")
	_, err := Open(context.Background(), &fakeDialer{err: wantErr}, Config{}, testLogger())
	if !errors.Is(err, wantErr) {
		t.Fatalf("open error = %v, want %v", err, wantErr)
	}
}
