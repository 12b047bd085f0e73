package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scribelabs/scribe-core/internal/audio"
	"github.com/scribelabs/scribe-core/internal/bus"
	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/history"
	"github.com/scribelabs/scribe-core/internal/model"
	"github.com/scribelabs/scribe-core/internal/natsserver"
	"github.com/scribelabs/scribe-core/internal/session"
	"github.com/scribelabs/scribe-core/internal/transcribe"
)

// Runtime assembles the daemon: embedded bus, model layer, audio capture,
// the session executor, history, and the HTTP surface for health and
// metrics. Start blocks until ctx is cancelled.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	health []healthCheck
}

type healthCheck struct {
	name  string
	check func() bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	// The broker comes up first; every service talks through it.
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	if srv != nil {
		defer srv.Shutdown()
	}

	busCfg := r.cfg.Bus
	if srv != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{srv.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer busClient.Close()
	r.addHealth("bus", busClient.Healthy)

	catalog := model.NewCatalog(r.cfg.Models.Dir, r.cfg.Models.Active)

	engine, err := transcribe.New(r.cfg.Transcribe, r.logger)
	if err != nil {
		return fmt.Errorf("create transcribe engine: %w", err)
	}

	idleUnload := time.Duration(r.cfg.Models.IdleUnloadMS) * time.Millisecond
	manager := model.NewManager(catalog, engine.Load, idleUnload, r.logger)
	defer manager.Close()

	modelSvc := model.NewService(ctx, r.cfg.Models, r.cfg.Download, busClient, catalog, manager, r.logger)
	if err := modelSvc.Start(); err != nil {
		return fmt.Errorf("start model service: %w", err)
	}
	defer modelSvc.Close()
	r.addHealth("model", modelSvc.Healthy)

	backend, err := newAudioBackend(r.cfg.Audio)
	if err != nil {
		return fmt.Errorf("create audio backend: %w", err)
	}
	defer backend.Close()

	controller, err := audio.NewController(r.cfg.Audio, backend, r.logger)
	if err != nil {
		return fmt.Errorf("create audio controller: %w", err)
	}

	gate := audio.GateConfig{MinSpeechMS: r.cfg.Session.MinSpeechMS}
	worker := transcribe.NewWorker(r.cfg.Transcribe, gate, engine, manager, catalog, r.cfg.Audio.DebugDumpDir, r.logger)

	sessionSvc := session.NewService(ctx, r.cfg.Session, busClient, controller, worker, catalog, r.logger)
	if err := sessionSvc.Start(); err != nil {
		return fmt.Errorf("start session service: %w", err)
	}
	defer sessionSvc.Close()
	r.addHealth("session", sessionSvc.Healthy)

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	historySvc := history.NewService(ctx, r.cfg.History, busClient, store, r.logger)
	if err := historySvc.Start(); err != nil {
		return fmt.Errorf("start history service: %w", err)
	}
	defer historySvc.Close()
	r.addHealth("history", historySvc.Healthy)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

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

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("audio_backend", backend.Name()),
		slog.String("engine", engine.Name()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func newAudioBackend(cfg config.AudioConfig) (audio.Backend, error) {
	switch cfg.Backend {
	case "", "portaudio":
		return audio.NewPortAudioBackend()
	case "synthetic":
		return audio.NewSyntheticBackend(cfg.SampleRate, 1), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
}

// addHealth registers a check. Registration happens before the HTTP server
// starts serving, so the slice is read-only afterwards.
func (r *Runtime) addHealth(name string, check func() bool) {
	r.health = append(r.health, healthCheck{name: name, check: check})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, hc := range r.health {
		if !hc.check() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %s", hc.name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
