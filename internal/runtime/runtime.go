package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/api"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type Runtime struct {
	cfg        config.Config
	version    string
	logger     *slog.Logger
	httpServer *http.Server
	wg         sync.WaitGroup
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start wires every component, serves HTTP and blocks until ctx is done or
// the listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	receiver, err := storage.NewReceiver(storage.ReceiverConfig{
		Dir:               r.cfg.Storage.UploadDir,
		MaxFileSize:       r.cfg.Storage.MaxFileSize,
		AllowedExtensions: r.cfg.Storage.AllowedExtensions,
		ReadBufferBytes:   r.cfg.Storage.ReadBufferBytes,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	workDir, err := os.MkdirTemp("", "scribe-work-")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	history, err := eventstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer history.Close()

	sweeper := storage.NewSweeper(receiver.Dir(), r.cfg.Storage.RetentionPeriod(), r.cfg.Storage.CleanupEvery(), r.logger)
	if history.Enabled() {
		sweeper.OnSweep(func(ctx context.Context) {
			if err := history.Prune(ctx); err != nil {
				r.logger.Warn("history prune failed", slog.String("error", err.Error()))
			}
		})
	}

	normalizer, err := audio.NewNormalizer(r.cfg.Audio.DecoderCommand, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build audio normalizer: %w", err)
	}

	device := stt.ResolveDevice(r.cfg.Engine.Device)
	engine, err := stt.NewEngine(r.cfg.Engine, device)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	adapter := stt.NewAdapter(engine, normalizer, device, stt.Options{
		ModelName:     r.cfg.Engine.ModelName,
		BatchSize:     r.cfg.Engine.BatchSize,
		Quantize:      r.cfg.Engine.Quantize,
		MaxConcurrent: r.cfg.Engine.MaxConcurrent,
		TempDir:       workDir,
	}, r.logger)
	defer adapter.Close()

	var (
		options   []pipeline.Option
		announcer *capability.Announcer
	)
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer client.Close()
		options = append(options, pipeline.WithPublisher(client))

		nodeID := busCfg.NodeID
		if nodeID == "" {
			if nodeID, err = os.Hostname(); err != nil {
				nodeID = r.cfg.ServiceName
			}
		}
		info := adapter.ModelInfo()
		announcer = capability.NewAnnouncer(client, adapter, nodeID,
			time.Duration(busCfg.HeartbeatInterval)*time.Millisecond,
			[]capability.Capability{capability.Transcription(info.Backend, info.ModelName, device.Device, adapter.SupportedLanguages())},
			r.logger)
	}
	if history.Enabled() {
		options = append(options, pipeline.WithHistory(history))
	}

	orc := pipeline.New(receiver, normalizer, adapter, pipeline.Options{
		DefaultLanguage: r.cfg.Stream.DefaultLanguage,
		ChunkDir:        workDir,
	}, r.logger, options...)

	srv := api.NewServer(api.Deps{
		Config:       r.cfg,
		Version:      r.version,
		Orchestrator: orc,
		Engine:       adapter,
		History:      history,
		Metrics:      metricsHandler,
		UploadDir:    receiver.Dir(),
		Logger:       r.logger,
	})

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Workers start after every component is built.
	r.goRun(func() { sweeper.Run(ctx) })
	r.goRun(func() {
		if err := adapter.Init(ctx); err != nil {
			r.logger.Warn("serving without an engine, /readyz stays unavailable", slog.String("mode", r.cfg.Engine.Mode))
		}
	})
	if announcer != nil {
		r.goRun(func() { announcer.Run(ctx) })
	}

	serveErr := make(chan error, 1)
	r.goRun(func() {
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	})

	r.logger.Info("scribe started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("device", device.Device),
		slog.String("upload_dir", receiver.Dir()),
		slog.Bool("bus", r.cfg.Bus.Enabled),
		slog.String("history", r.cfg.History.RetentionMode))

	<-ctx.Done()
	r.logger.Info("scribe stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server failed: %w", err)
	default:
		return nil
	}
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}
