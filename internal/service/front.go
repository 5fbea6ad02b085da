package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/protocol"
)

// Front exposes the service on the message bus: whole-file requests on
// asr.request and incremental audio frames on asr.audio.frame.>, with
// transcripts published on the partial/final subjects.
type Front struct {
	cfg      config.BusConfig
	bus      *bus.Client
	svc      *Service
	language string

	sessions map[string]*frameSession
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
}

type frameSession struct {
	Buffer       []byte
	Inflight     bool
	PendingFinal bool
}

const recognizeTimeout = 45 * time.Second

func NewFront(parent context.Context, cfg config.Config, busClient *bus.Client, svc *Service) *Front {
	ctx, cancel := context.WithCancel(parent)
	return &Front{
		cfg:      cfg.Bus,
		bus:      busClient,
		svc:      svc,
		language: cfg.Engine.Language,
		sessions: make(map[string]*frameSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (f *Front) Start() error {
	if !f.cfg.Enabled {
		return nil
	}
	frameSub, err := f.bus.Subscribe(protocol.SubjectAudioFramePrefix+".>", f.handleFrame)
	if err != nil {
		return err
	}
	f.subs = append(f.subs, frameSub)

	reqSub, err := f.bus.Subscribe(protocol.SubjectTranscribeRequest, f.handleRequest)
	if err != nil {
		return err
	}
	f.subs = append(f.subs, reqSub)

	f.ready = true
	return nil
}

func (f *Front) Close() {
	f.cancel()
	for _, sub := range f.subs {
		_ = sub.Drain()
	}
	f.wg.Wait()
}

func (f *Front) Healthy() bool {
	return !f.cfg.Enabled || f.ready
}

// handleRequest serves whole-file recognition over the bus.
func (f *Front) handleRequest(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		f.bus.Logger().Warn("failed to decode transcribe request", slogError(err))
		return
	}
	if req.Path == "" {
		f.publishError(req.SessionID, "request has no path")
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(f.ctx, recognizeTimeout)
		defer cancel()

		language := req.Language
		if language == "" {
			language = f.language
		}
		tr, err := f.svc.RecognizeFile(ctx, req.Path, language, req.Engine)
		if err != nil {
			f.bus.Logger().Warn("bus recognition failed", slogError(err))
			f.publishError(req.SessionID, err.Error())
			return
		}
		f.publishTranscript(req.SessionID, tr.Text, tr.Engine, tr.Language, true)
	}()
}

// handleFrame accumulates session audio and schedules recognition on the
// final frame.
func (f *Front) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		f.bus.Logger().Warn("failed to decode audio frame", slogError(err))
		return
	}

	f.mu.Lock()
	state := f.sessions[frame.SessionID]
	if state == nil {
		state = &frameSession{}
		f.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	f.mu.Unlock()

	if frame.Final {
		f.scheduleRecognition(frame.SessionID)
	}
}

func (f *Front) scheduleRecognition(sessionID string) {
	f.mu.Lock()
	state := f.sessions[sessionID]
	if state == nil {
		f.mu.Unlock()
		return
	}
	if state.Inflight {
		state.PendingFinal = true
		f.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Inflight = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(f.ctx, recognizeTimeout)
		defer cancel()

		tr, err := f.svc.RecognizeSession(ctx, sessionID, pcm, f.language)
		if err != nil {
			f.bus.Logger().Warn("frame recognition failed", slogError(err))
			f.publishError(sessionID, err.Error())
		} else {
			f.publishTranscript(sessionID, tr.Text, tr.Engine, tr.Language, true)
		}

		f.mu.Lock()
		state := f.sessions[sessionID]
		var rerun bool
		if state != nil {
			state.Inflight = false
			rerun = state.PendingFinal
			state.PendingFinal = false
			if !rerun {
				delete(f.sessions, sessionID)
			}
		}
		f.mu.Unlock()

		if rerun {
			f.scheduleRecognition(sessionID)
		}
	}()
}

func (f *Front) publishTranscript(sessionID, text, engine, language string, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Partial:   !final,
		Engine:    engine,
		Language:  language,
		Timestamp: time.Now().UTC(),
	}
	if err := f.bus.PublishJSON(subject, msg); err != nil {
		f.bus.Logger().Warn("failed to publish transcript", slogError(err))
	}
}

func (f *Front) publishError(sessionID, reason string) {
	msg := protocol.Transcript{
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Error:     reason,
	}
	if err := f.bus.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
		f.bus.Logger().Warn("failed to publish error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
