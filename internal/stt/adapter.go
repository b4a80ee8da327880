package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Model status values reported by ModelInfo.
const (
	StatusNotInitialized = "not_initialized"
	StatusLoading        = "loading"
	StatusReady          = "ready"
	StatusFailed         = "failed"
)

// Options tunes an Adapter.
type Options struct {
	ModelName     string
	BatchSize     int
	Quantize      bool
	MaxConcurrent int
	// TempDir receives the normalized copy written by TranscribeFile.
	TempDir string
}

// Result is the outcome of one engine call.
type Result struct {
	Text     string
	Language string
	Elapsed  time.Duration
}

// ModelInfo is the read-only descriptor served on /info.
type ModelInfo struct {
	ModelName string `json:"model_name"`
	Backend   string `json:"backend"`
	Device    string `json:"device"`
	BatchSize int    `json:"batch_size"`
	Quantize  bool   `json:"quantize"`
	Status    string `json:"status"`
}

// Adapter is the single shared entry point to the engine.
type Adapter struct {
	engine     Engine
	normalizer *audio.Normalizer
	opts       Options
	device     DeviceInfo
	sem        chan struct{}
	log        *slog.Logger
	tracer     trace.Tracer

	mu      sync.RWMutex
	status  string
	loadErr error

	failures metric.Int64Counter
	duration metric.Float64Histogram
}

func NewAdapter(engine Engine, normalizer *audio.Normalizer, device DeviceInfo, opts Options, log *slog.Logger) *Adapter {
	slots := opts.MaxConcurrent
	if slots <= 0 {
		slots = 1
	}
	if cs, ok := engine.(ConcurrentSafe); !ok || !cs.ConcurrentSafe() {
		slots = 1
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	a := &Adapter{
		engine:     engine,
		normalizer: normalizer,
		opts:       opts,
		device:     device,
		sem:        make(chan struct{}, slots),
		log:        log.With(slog.String("component", "stt.adapter")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-scribe/stt"),
		status:     StatusNotInitialized,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/stt")
	var err error
	if a.failures, err = meter.Int64Counter("scribe.engine.failures",
		metric.WithDescription("Engine calls that returned an error")); err != nil {
		a.log.Warn("failed to create failure counter", slogError(err))
	}
	if a.duration, err = meter.Float64Histogram("scribe.chunk.duration",
		metric.WithDescription("Seconds spent inside the engine per call"), metric.WithUnit("s")); err != nil {
		a.log.Warn("failed to create duration histogram", slogError(err))
	}
	return a
}

// Init loads the engine. Transcribe returns ErrEngineNotReady until it
// succeeds.
func (a *Adapter) Init(ctx context.Context) error {
	a.setStatus(StatusLoading, nil)
	info := a.engine.Info()
	a.log.Info("loading engine",
		slog.String("backend", info.Backend),
		slog.String("model", a.modelName()),
		slog.String("device", a.device.Device))
	start := time.Now()
	if err := a.engine.Load(ctx); err != nil {
		a.setStatus(StatusFailed, err)
		a.log.Error("engine load failed", slogError(err))
		return fmt.Errorf("load engine: %w", err)
	}
	a.setStatus(StatusReady, nil)
	a.log.Info("engine ready", slog.Duration("load_time", time.Since(start)), slog.Int("slots", cap(a.sem)))
	return nil
}

func (a *Adapter) setStatus(status string, err error) {
	a.mu.Lock()
	a.status = status
	a.loadErr = err
	a.mu.Unlock()
}

// Ready reports whether Init completed successfully.
func (a *Adapter) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status == StatusReady
}

// LoadError returns the error from a failed Init, if any.
func (a *Adapter) LoadError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.loadErr
}

// Transcribe runs the engine on an already normalized segment file.
func (a *Adapter) Transcribe(ctx context.Context, segmentPath, languageLabel string) (Result, error) {
	if !a.Ready() {
		return Result{}, ErrEngineNotReady
	}
	code, known := MapLanguage(languageLabel)
	if !known {
		a.log.Warn("unknown language, falling back to auto", slog.String("language", languageLabel))
	}

	ctx, span := a.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.language", code),
		attribute.String("stt.backend", a.engine.Info().Backend),
	))
	defer span.End()

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled waiting for engine")
		return Result{}, ctx.Err()
	}
	start := time.Now()
	text, err := a.engine.Transcribe(ctx, segmentPath, code)
	elapsed := time.Since(start)
	<-a.sem

	if a.duration != nil {
		a.duration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if a.failures != nil {
			a.failures.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrEngineNotReady) {
			return Result{}, err
		}
		return Result{}, &InferenceError{Path: segmentPath, Err: err}
	}
	return Result{Text: text, Language: code, Elapsed: elapsed}, nil
}

// TranscribeFile normalizes a whole stored file, writes it to a temporary
// WAV and transcribes it in one call.
func (a *Adapter) TranscribeFile(ctx context.Context, path, languageLabel string) (Result, error) {
	if !a.Ready() {
		return Result{}, ErrEngineNotReady
	}
	normalized, err := a.normalizer.Load(ctx, path)
	if err != nil {
		return Result{}, err
	}
	tmp, err := os.CreateTemp(a.opts.TempDir, "whole_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.log.Warn("failed to remove temp audio", slog.String("path", tmpPath), slogError(err))
		}
	}()
	if err := audio.WriteWAV(tmpPath, normalized.Samples, normalized.SampleRate); err != nil {
		return Result{}, fmt.Errorf("materialize audio: %w", err)
	}
	return a.Transcribe(ctx, tmpPath, languageLabel)
}

// ModelInfo describes the loaded model.
func (a *Adapter) ModelInfo() ModelInfo {
	a.mu.RLock()
	status := a.status
	a.mu.RUnlock()
	return ModelInfo{
		ModelName: a.modelName(),
		Backend:   a.engine.Info().Backend,
		Device:    a.device.Device,
		BatchSize: a.opts.BatchSize,
		Quantize:  a.opts.Quantize,
		Status:    status,
	}
}

// DeviceInfo describes the compute target.
func (a *Adapter) DeviceInfo() DeviceInfo { return a.device }

// SupportedLanguages lists the engine language codes.
func (a *Adapter) SupportedLanguages() []string {
	return append([]string(nil), supportedLanguages...)
}

// Close releases the engine.
func (a *Adapter) Close() error {
	a.setStatus(StatusNotInitialized, nil)
	return a.engine.Close()
}

func (a *Adapter) modelName() string {
	if name := a.engine.Info().ModelName; name != "" {
		return name
	}
	return a.opts.ModelName
}
