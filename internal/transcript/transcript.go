package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Segment is a timestamped span of recognized text. Start and End are in
// seconds with Start <= End. Text may be empty only for non-speech
// placeholder segments. Confidence is in [0,1]; ConfidenceUnknown marks
// backends that do not report one.
type Segment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ConfidenceUnknown is the sentinel confidence for backends that do not
// score their output.
const ConfidenceUnknown = -1.0

// Result is a single recognition result emitted by a streaming engine.
// Consumers may receive zero or more non-final results before exactly one
// final result per utterance.
type Result struct {
	Text       string
	Confidence float64
	Start      float64
	End        float64
	Final      bool
}

// Transcript is the full recognition output for one audio input. It is
// produced once per successful recognition call and not mutated afterwards.
type Transcript struct {
	Text      string            `json:"text"`
	Language  string            `json:"language"`
	Segments  []Segment         `json:"segments"`
	Engine    string            `json:"engine"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds a transcript stamped with the producing engine and the current
// time. Segments are expected to be ordered by non-decreasing start time.
func New(text, language string, segments []Segment, engine string) *Transcript {
	return &Transcript{
		Text:      text,
		Language:  language,
		Segments:  segments,
		Engine:    engine,
		CreatedAt: time.Now().UTC(),
	}
}

// Duration returns the total duration in seconds: the end time of the last
// segment, or 0 when there are no segments.
func (t *Transcript) Duration() float64 {
	if len(t.Segments) == 0 {
		return 0
	}
	return t.Segments[len(t.Segments)-1].End
}

// WordCount returns the number of whitespace-separated words in the text.
func (t *Transcript) WordCount() int {
	return len(strings.Fields(t.Text))
}

// SegmentAt returns the segment covering the given time, or nil.
func (t *Transcript) SegmentAt(at float64) *Segment {
	for i := range t.Segments {
		if t.Segments[i].Start <= at && at <= t.Segments[i].End {
			return &t.Segments[i]
		}
	}
	return nil
}

// Duration returns the segment duration in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// SRT renders the transcript in SubRip subtitle format.
func (t *Transcript) SRT() string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, FormatSRTTime(seg.Start), FormatSRTTime(seg.End), seg.Text)
	}
	return b.String()
}

// FormatSRTTime formats seconds as an SRT timestamp (HH:MM:SS,mmm).
func FormatSRTTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	whole := int(seconds)
	hours := whole / 3600
	minutes := (whole % 3600) / 60
	secs := whole % 60
	millis := int((seconds - float64(whole)) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}
