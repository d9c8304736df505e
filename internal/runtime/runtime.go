package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/annotate"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transport"
	"github.com/loqalabs/loqa-scribe/internal/upload"
)

const prunerInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	model      stt.Model
	sessions   *session.Manager
	bridge     *transport.Bridge
	summaries  *llm.Service
	presence   *presence.Registry
	websocket  http.Handler
	upload     http.Handler
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
	r.metrics = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.Int("target_sample_rate", r.cfg.Audio.TargetSampleRate))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.stopComponents()
	r.wg.Wait()
	r.closeTelemetry()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// startComponents brings up the bus, the timeline, the recognizer and the
// session arena, in dependency order.
func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		srv, err := natsserver.Start(busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "nats-server")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = srv
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, prunerInterval)
	}()

	model, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to load recognizer: %w", err)
	}
	r.model = model

	generator, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to configure llm: %w", err)
	}
	var summarizer *llm.Summarizer
	if generator != nil {
		summarizer = llm.NewSummarizer(generator, r.cfg.LLM)
	}
	annotator := annotate.New(r.cfg.Annotator, summarizer)

	sinks := []session.Sink{session.NewStoreSink(store, r.cfg.EventStore.RecordPartial)}
	if r.bus != nil {
		sinks = append(sinks, session.NewBusSink(r.bus))
	}

	sessions, err := session.NewManager(ctx, r.cfg, model, annotator, sinks, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start session manager: %w", err)
	}
	r.sessions = sessions

	r.bridge = transport.NewBridge(r.bus, sessions, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start audio bridge: %w", err)
	}
	r.summaries = llm.NewService(ctx, r.bus, summarizer, r.logger)
	if err := r.summaries.Start(); err != nil {
		return fmt.Errorf("failed to start summary service: %w", err)
	}

	if r.bus != nil {
		reg, err := presence.NewRegistry(ctx, r.cfg, r.bus, sessions.Active, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start presence registry: %w", err)
		}
		r.presence = reg
	}

	r.websocket = transport.NewWebSocketHandler(sessions, r.cfg.HTTP, r.logger)
	pipeline := upload.NewPipeline(model, annotator, r.cfg.Audio.TargetSampleRate, sinks, r.logger)
	uploadHandler, err := upload.NewHandler(pipeline, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start upload handler: %w", err)
	}
	r.upload = uploadHandler
	return nil
}

// stopComponents tears down in reverse start order. Sessions are flushed
// before the bus closes so their finals still get published.
func (r *Runtime) stopComponents() {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.summaries != nil {
		r.summaries.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.model != nil {
		if err := r.model.Close(); err != nil {
			r.logger.Error("recognizer close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
