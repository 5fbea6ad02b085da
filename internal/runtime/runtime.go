// Package runtime assembles the daemon: telemetry, the optional embedded
// broker, the bus connection, the engine registry, the recognition service
// and its bus front-end, plus the HTTP health and metrics endpoints.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/engine"
	"github.com/loqalabs/loqa-asr/internal/engine/batchapi"
	"github.com/loqalabs/loqa-asr/internal/engine/execstt"
	"github.com/loqalabs/loqa-asr/internal/engine/realtime"
	"github.com/loqalabs/loqa-asr/internal/engine/whisper"
	"github.com/loqalabs/loqa-asr/internal/history"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/service"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// NewRegistry builds the engine registry with every built-in backend
// registered.
func NewRegistry(logger *slog.Logger) *engine.Registry {
	reg := engine.NewRegistry(logger)
	reg.Register("mock", engine.MockFactory)
	reg.Register(whisper.Name, whisper.Factory)
	reg.Register(execstt.Name, execstt.Factory)
	reg.Register(batchapi.Name, batchapi.Factory)
	reg.Register(realtime.Name, realtime.Factory)
	return reg
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	var store *history.Store
	if r.cfg.History.Enabled {
		store, err = history.Open(ctx, r.cfg.History, r.logger)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close()
	}

	registry := NewRegistry(r.logger)
	defer registry.CleanupAll()

	svc, err := service.New(r.cfg, registry, store, r.logger)
	if err != nil {
		return err
	}

	var front *service.Front
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded broker: %w", err)
		}
		defer embedded.Shutdown()

		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer busClient.Close()

		front = service.NewFront(ctx, r.cfg, busClient, svc)
		if err := front.Start(); err != nil {
			return fmt.Errorf("start bus front-end: %w", err)
		}
		defer front.Close()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.readyHandler(busClient, front))

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsSrv = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("asr runtime started",
		slog.String("addr", addr),
		slog.String("default_engine", r.cfg.Engine.Default))

	<-ctx.Done()
	r.logger.Info("asr runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) readyHandler(busClient *bus.Client, front *service.Front) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ready := r.ready.Load()
		if r.cfg.Bus.Enabled {
			ready = ready && busClient.Healthy() && front.Healthy()
		}
		if ready {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
	}
}
