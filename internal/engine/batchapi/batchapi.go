// Package batchapi implements a speech backend for asynchronous HTTP
// transcription services: audio is submitted as a multipart upload, the
// service answers with a job ID, and the result is polled until the job
// settles.
package batchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/transcript"
)

const Name = "batchapi"

// Engine submits jobs to one endpoint. Safe for concurrent use; every
// recognition is an independent job.
type Engine struct {
	endpoint     string
	apiKey       string
	model        string
	pollInterval time.Duration
	pollTimeout  time.Duration
	client       *http.Client
	log          *slog.Logger
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type jobResponse struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Text     string `json:"text,omitempty"`
	Language string `json:"language,omitempty"`
	Segments []struct {
		Start      float64 `json:"start"`
		End        float64 `json:"end"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"segments,omitempty"`
}

// Job lifecycle statuses reported by the service.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusSucceeded  = "succeeded"
	statusFailed     = "failed"
)

// Factory builds a batch API engine from settings.
func Factory(cfg engine.Settings, log *slog.Logger) (engine.Engine, error) {
	endpoint := cfg.String("endpoint", "")
	if endpoint == "" {
		return nil, engine.ConfigError(Name, "endpoint is required", nil)
	}
	return &Engine{
		endpoint:     strings.TrimRight(endpoint, "/"),
		apiKey:       cfg.String("api_key", ""),
		model:        cfg.String("model", ""),
		pollInterval: time.Duration(cfg.Int("poll_interval_ms", 1000)) * time.Millisecond,
		pollTimeout:  time.Duration(cfg.Int("poll_timeout_ms", 300000)) * time.Millisecond,
		client: &http.Client{
			Timeout: time.Duration(cfg.Int("request_timeout_ms", 30000)) * time.Millisecond,
		},
		log: log.With(slog.String("engine", Name)),
	}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) SupportedLanguages() []string {
	// Delegated to the remote service.
	return nil
}

func (e *Engine) Initialize(_ context.Context) error {
	if e.apiKey == "" {
		return engine.InitError(Name, "api_key is required", nil)
	}
	return nil
}

func (e *Engine) Cleanup() error {
	e.client.CloseIdleConnections()
	return nil
}

func (e *Engine) Recognize(ctx context.Context, audio []byte, language string) (*transcript.Transcript, error) {
	jobID, err := e.submit(ctx, audio, language)
	if err != nil {
		return nil, err
	}
	e.log.Debug("job submitted", slog.String("job_id", jobID))

	job, err := e.poll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	segments := make([]transcript.Segment, 0, len(job.Segments))
	for _, s := range job.Segments {
		segments = append(segments, transcript.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       strings.TrimSpace(s.Text),
			Confidence: s.Confidence,
		})
	}
	lang := job.Language
	if lang == "" {
		lang = language
	}
	return transcript.New(strings.TrimSpace(job.Text), lang, segments, Name), nil
}

// RecognizeStream is not supported; the service is job-oriented.
func (e *Engine) RecognizeStream(context.Context, <-chan []byte, string) (<-chan engine.StreamResult, error) {
	return nil, engine.RecognitionErr(Name, "streaming recognition", engine.ErrUnsupportedOperation)
}

func (e *Engine) submit(ctx context.Context, audio []byte, language string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "audio.pcm")
	if err != nil {
		return "", engine.RecognitionErr(Name, "build upload", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", engine.RecognitionErr(Name, "build upload", err)
	}
	if language != "" {
		_ = writer.WriteField("language", language)
	}
	if e.model != "" {
		_ = writer.WriteField("model", e.model)
	}
	if err := writer.Close(); err != nil {
		return "", engine.RecognitionErr(Name, "build upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/jobs", &buf)
	if err != nil {
		return "", engine.RecognitionErr(Name, "build request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	var out submitResponse
	if err := e.do(req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", engine.RecognitionErr(Name, "service returned no job id", nil)
	}
	return out.JobID, nil
}

func (e *Engine) poll(ctx context.Context, jobID string) (*jobResponse, error) {
	deadline := time.NewTimer(e.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/jobs/"+jobID, nil)
		if err != nil {
			return nil, engine.RecognitionErr(Name, "build request", err)
		}
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

		var job jobResponse
		if err := e.do(req, &job); err != nil {
			return nil, err
		}
		switch job.Status {
		case statusSucceeded:
			return &job, nil
		case statusFailed:
			return nil, engine.RecognitionErr(Name, "job failed: "+job.Error, nil)
		case statusQueued, statusProcessing:
		default:
			return nil, engine.RecognitionErr(Name, "unknown job status "+job.Status, nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, engine.RecognitionErr(Name, fmt.Sprintf("job %s not done after %s", jobID, e.pollTimeout), nil)
		case <-ticker.C:
		}
	}
}

func (e *Engine) do(req *http.Request, out any) error {
	resp, err := e.client.Do(req)
	if err != nil {
		return engine.RecognitionErr(Name, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.RecognitionErr(Name, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engine.RecognitionErr(Name,
			fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return engine.RecognitionErr(Name, "decode response", err)
	}
	return nil
}
