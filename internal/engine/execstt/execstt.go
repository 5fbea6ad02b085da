// Package execstt implements a speech backend that shells out to an
// external recognizer command. The audio is written to a temporary WAV
// file and the command is expected to print a JSON result on stdout,
// which makes any local model runner usable without bindings.
package execstt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

const Name = "exec"

// Engine runs one external command per recognition. Invocations are
// serialized; most local model runners cannot share a model across
// processes anyway.
type Engine struct {
	cmd       []string
	modelPath string
	language  string
	log       *slog.Logger
	mu        sync.Mutex
}

// execOutput is the JSON contract with the external command.
type execOutput struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Segments   []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Factory builds an exec engine from settings. The command is parsed with
// shell quoting rules so settings can carry arguments inline.
func Factory(cfg engine.Settings, log *slog.Logger) (engine.Engine, error) {
	command := cfg.String("command", "")
	if command == "" {
		return nil, engine.ConfigError(Name, "command is required", nil)
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, engine.ConfigError(Name, "parse command", err)
	}
	if len(args) == 0 {
		return nil, engine.ConfigError(Name, "command is empty", nil)
	}
	return &Engine{
		cmd:       args,
		modelPath: cfg.String("model_path", ""),
		language:  cfg.String("language", ""),
		log:       log.With(slog.String("engine", Name)),
	}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) SupportedLanguages() []string {
	// Delegated to the external command; no useful static answer.
	return nil
}

// Initialize checks that the command binary is resolvable.
func (e *Engine) Initialize(_ context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return engine.InitError(Name, "resolve command", err)
	}
	return nil
}

func (e *Engine) Cleanup() error { return nil }

func (e *Engine) Recognize(ctx context.Context, pcm []byte, language string) (*transcript.Transcript, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	file, err := os.CreateTemp("", "asr_exec_*.wav")
	if err != nil {
		return nil, engine.RecognitionErr(Name, "temp file", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, 16000, 1); err != nil {
		return nil, engine.RecognitionErr(Name, "encode wav", err)
	}

	lang := language
	if lang == "" {
		lang = e.language
	}
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.modelPath != "" {
		args = append(args, "--model", e.modelPath)
	}
	if lang != "" {
		args = append(args, "--language", lang)
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		e.log.Warn("command failed",
			slog.String("error", err.Error()),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
		return nil, engine.RecognitionErr(Name, "command failed: "+strings.TrimSpace(stderr.String()), err)
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, engine.RecognitionErr(Name, "decode command output", err)
	}

	segments := make([]transcript.Segment, 0, len(out.Segments))
	for _, s := range out.Segments {
		segments = append(segments, transcript.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Confidence: out.Confidence,
		})
	}
	if out.Language != "" {
		lang = out.Language
	}
	return transcript.New(strings.TrimSpace(out.Text), lang, segments, Name), nil
}

// RecognizeStream is not supported; each invocation is a whole process.
func (e *Engine) RecognizeStream(context.Context, <-chan []byte, string) (<-chan engine.StreamResult, error) {
	return nil, engine.RecognitionErr(Name, "streaming recognition", engine.ErrUnsupportedOperation)
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return engine.RecognitionErr(Name, "pcm payload not aligned", nil)
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return err
	}
	return enc.Close()
}
