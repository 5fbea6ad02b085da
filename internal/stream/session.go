package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the session lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateNegotiating
	StateStreaming
	StateFinalizing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Turn-detection sub-modes. ServerVAD pads the audio with a bounded run of
// synthetic silence chunks so the backend's own end-of-turn detector fires;
// Manual sends one explicit commit event instead. The choice is session
// configuration, not a protocol constant.
const (
	TurnDetectionServerVAD = "server_vad"
	TurnDetectionManual    = "manual"
)

// ErrFinalizeTimeout is returned when no completion event arrives within
// the finalize timeout.
var ErrFinalizeTimeout = errors.New("no completion event before finalize timeout")

// Conn is one persistent bidirectional message connection to a realtime
// backend. Close must be safe to call more than once; ReadEvent unblocks
// with an error once the connection is closed.
type Conn interface {
	WriteEvent(ctx context.Context, evt Event) error
	ReadEvent(ctx context.Context) (Event, error)
	Close() error
}

// Dialer opens a Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config holds the negotiated session parameters and machine tuning.
type Config struct {
	Encoding      string
	SampleRate    int
	Language      string
	TurnDetection string
	// SilenceChunks and SilenceChunkSize size the synthetic padding run in
	// server_vad mode.
	SilenceChunks    int
	SilenceChunkSize int
	// SettleDelay bounds the wait for a negotiation ack; when it elapses
	// without one the session proceeds to streaming anyway.
	SettleDelay time.Duration
	// FinalizeTimeout bounds the whole finalizing phase.
	FinalizeTimeout time.Duration
	// PaceInterval optionally spaces chunk appends to simulate realtime
	// submission.
	PaceInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Encoding == "" {
		c.Encoding = "pcm"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.TurnDetection == "" {
		c.TurnDetection = TurnDetectionServerVAD
	}
	if c.SilenceChunks <= 0 {
		c.SilenceChunks = 30
	}
	if c.SilenceChunkSize <= 0 {
		c.SilenceChunkSize = 1024
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 60 * time.Second
	}
	return c
}

// Session drives one realtime transcription exchange. It is scoped to a
// single recognition call and discarded afterwards; the connection is
// closed exactly once on every path, including consumer abandonment.
type Session struct {
	cfg  Config
	log  *slog.Logger
	conn Conn

	state     atomic.Int32
	closeOnce sync.Once
	finalText string
}

// Open dials the backend and leaves the session in the negotiating state.
func Open(ctx context.Context, dialer Dialer, cfg Config, log *slog.Logger) (*Session, error) {
	s := &Session{
		cfg: cfg.withDefaults(),
		log: log.With(slog.String("component", "stream-session")),
	}
	s.state.Store(int32(StateConnecting))

	conn, err := dialer.Dial(ctx)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return nil, fmt.Errorf("dial realtime backend: %w", err)
	}
	s.conn = conn
	s.state.Store(int32(StateNegotiating))
	return s, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// FinalText returns the accumulated final transcript after a completed run.
func (s *Session) FinalText() string {
	return s.finalText
}

// Close tears the connection down. Safe to call multiple times; only the
// first call reaches the transport.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.log.Warn("connection close failed", slog.String("error", err.Error()))
			}
		}
	})
}

// Run performs the full exchange: negotiation, in-order chunk submission,
// the configured end-of-turn signal, then finalization bounded by the
// finalize timeout. Partial transcripts are surfaced through onPartial
// (which may be nil) without affecting state. Run returns the final
// transcript text, closing the connection before returning on every path.
//
// The caller must close chunks or cancel ctx when it stops producing;
// when the backend finalizes the turn early, the remaining feed is drained
// until one of the two happens.
func (s *Session) Run(ctx context.Context, chunks <-chan []byte, onPartial func(text string)) (string, error) {
	defer s.Close()

	callerCtx := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan Event, 16)
	readFailed := make(chan error, 1)
	go s.pump(ctx, events, readFailed)

	if err := s.negotiate(ctx, events, readFailed); err != nil {
		return "", s.fail(err)
	}

	s.state.Store(int32(StateStreaming))
	completed, err := s.streamChunks(ctx, chunks, events, readFailed, onPartial)
	if err != nil {
		return "", s.fail(err)
	}

	s.state.Store(int32(StateFinalizing))
	if completed {
		// The backend finalized before the feed ended. Keep the feed
		// unblocked until the caller closes it or cancels.
		go drain(callerCtx, chunks)
		s.state.Store(int32(StateCompleted))
		return s.finalText, nil
	}
	if err := s.finalize(ctx, events, readFailed, onPartial); err != nil {
		return "", s.fail(err)
	}

	s.state.Store(int32(StateCompleted))
	return s.finalText, nil
}

func (s *Session) fail(err error) error {
	s.state.Store(int32(StateFailed))
	s.Close()
	return err
}

// pump moves inbound events onto the events channel until the connection
// closes or the context is cancelled.
func (s *Session) pump(ctx context.Context, events chan<- Event, readFailed chan<- error) {
	defer close(events)
	for {
		evt, err := s.conn.ReadEvent(ctx)
		if err != nil {
			select {
			case readFailed <- err:
			default:
			}
			return
		}
		select {
		case events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) negotiate(ctx context.Context, events <-chan Event, readFailed <-chan error) error {
	params := &SessionParams{
		Modalities:              []string{"text"},
		InputAudioFormat:        s.cfg.Encoding,
		SampleRate:              s.cfg.SampleRate,
		InputAudioTranscription: &TranscriptionParams{Language: s.cfg.Language},
	}
	if s.cfg.TurnDetection == TurnDetectionServerVAD {
		params.TurnDetection = &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.2,
			SilenceDurationMS: 800,
		}
	}
	configure := Event{
		ID:      "event_init",
		Type:    EventTypeSessionConfigure,
		Session: params,
	}
	if err := s.conn.WriteEvent(ctx, configure); err != nil {
		return fmt.Errorf("send session configuration: %w", err)
	}

	// Wait for an explicit ack; protocols without one settle after the
	// bounded delay.
	timer := time.NewTimer(s.cfg.SettleDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readFailed:
			return fmt.Errorf("connection lost during negotiation: %w", err)
		case <-timer.C:
			return nil
		case evt, ok := <-events:
			if !ok {
				return errors.New("connection closed during negotiation")
			}
			switch evt.Type {
			case EventTypeSessionReady:
				return nil
			case EventTypeError:
				return backendError(evt)
			}
		}
	}
}

// streamChunks transmits chunks in strict sequence order while consuming
// inbound events. It returns completed=true when the backend finalized the
// turn before the end-of-turn signal finished.
func (s *Session) streamChunks(ctx context.Context, chunks <-chan []byte, events <-chan Event, readFailed <-chan error, onPartial func(string)) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-readFailed:
			return false, fmt.Errorf("connection lost while streaming: %w", err)
		case evt, ok := <-events:
			if !ok {
				return false, errors.New("connection closed while streaming")
			}
			final, err := s.handleEvent(evt, onPartial)
			if err != nil {
				return false, err
			}
			if final {
				// Early completion; Run keeps the feed unblocked.
				return true, nil
			}
		case chunk, ok := <-chunks:
			if !ok {
				return s.signalEndOfTurn(ctx, events, readFailed, onPartial)
			}
			if err := s.appendChunk(ctx, chunk); err != nil {
				return false, err
			}
			if s.cfg.PaceInterval > 0 {
				select {
				case <-time.After(s.cfg.PaceInterval):
				case <-ctx.Done():
					return false, ctx.Err()
				}
			}
		}
	}
}

func (s *Session) appendChunk(ctx context.Context, chunk []byte) error {
	evt := Event{
		ID:    "event_" + uuid.NewString(),
		Type:  EventTypeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(chunk),
	}
	if err := s.conn.WriteEvent(ctx, evt); err != nil {
		return fmt.Errorf("append audio chunk: %w", err)
	}
	return nil
}

// signalEndOfTurn emits the configured trigger: a bounded run of silence
// chunks for server-driven detection, or one commit event for
// client-driven turns.
func (s *Session) signalEndOfTurn(ctx context.Context, events <-chan Event, readFailed <-chan error, onPartial func(string)) (bool, error) {
	if s.cfg.TurnDetection == TurnDetectionManual {
		commit := Event{ID: "event_commit", Type: EventTypeAudioCommit}
		if err := s.conn.WriteEvent(ctx, commit); err != nil {
			return false, fmt.Errorf("send commit: %w", err)
		}
		return false, nil
	}

	silence := make([]byte, s.cfg.SilenceChunkSize)
	for i := 0; i < s.cfg.SilenceChunks; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case err := <-readFailed:
			return false, fmt.Errorf("connection lost during silence padding: %w", err)
		case evt, ok := <-events:
			if !ok {
				return false, errors.New("connection closed during silence padding")
			}
			final, err := s.handleEvent(evt, onPartial)
			if err != nil {
				return false, err
			}
			if final {
				return true, nil
			}
		default:
		}
		if err := s.appendChunk(ctx, silence); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Session) finalize(ctx context.Context, events <-chan Event, readFailed <-chan error, onPartial func(string)) error {
	timer := time.NewTimer(s.cfg.FinalizeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrFinalizeTimeout
		case err := <-readFailed:
			return fmt.Errorf("connection lost while finalizing: %w", err)
		case evt, ok := <-events:
			if !ok {
				return errors.New("connection closed while finalizing")
			}
			final, err := s.handleEvent(evt, onPartial)
			if err != nil {
				return err
			}
			if final {
				return nil
			}
		}
	}
}

// handleEvent processes one inbound event. Partial transcripts are
// surfaced without a state transition; the completed event records the
// final text.
func (s *Session) handleEvent(evt Event, onPartial func(string)) (final bool, err error) {
	switch evt.Type {
	case EventTypeFinalTranscript:
		s.finalText = evt.Transcript
		return true, nil
	case EventTypePartialTranscript:
		text := evt.Stash
		if text == "" {
			text = evt.Transcript
		}
		if onPartial != nil && text != "" {
			onPartial(text)
		}
		return false, nil
	case EventTypeError:
		return false, backendError(evt)
	case EventTypeSessionClosed:
		return false, errors.New("backend closed the session before completion")
	default:
		return false, nil
	}
}

func backendError(evt Event) error {
	if evt.Error != nil {
		return fmt.Errorf("backend error %s: %s", evt.Error.Code, evt.Error.Message)
	}
	return errors.New("backend reported an unspecified error")
}

func drain(ctx context.Context, chunks <-chan []byte) {
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
