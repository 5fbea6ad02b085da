package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	st, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	// Writes are silently dropped in ephemeral mode.
	if err := st.AppendTranscript(ctx, "s1", transcript.New("hi", "en", nil, "mock")); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := st.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sessionID := "session-123"
	if err := st.AppendSession(context.Background(), sessionID, "meeting.wav"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	tr := transcript.New("hello there", "en", []transcript.Segment{
		{Start: 0, End: 1.5, Text: "hello there", Confidence: 0.9},
	}, "whisper")
	if err := st.AppendTranscript(context.Background(), sessionID, tr); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	records, err := st.ListSessionTranscripts(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Text != "hello there" || got.Engine != "whisper" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Duration != 1.5 {
		t.Fatalf("expected duration 1.5, got %v", got.Duration)
	}
	if len(got.Segments) != 1 || got.Segments[0].Confidence != 0.9 {
		t.Fatalf("unexpected segments: %+v", got.Segments)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	st, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	st.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(context.Background(), "old-session", "a.wav"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.AppendTranscript(context.Background(), "old-session", transcript.New("old", "en", nil, "mock")); err != nil {
		t.Fatalf("append transcript: %v", err)
	}

	st.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := st.AppendSession(context.Background(), "new-session", "b.wav"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := st.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := st.ListSessionTranscripts(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list transcripts: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
