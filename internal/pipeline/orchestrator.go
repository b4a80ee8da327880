// Package pipeline drives a transcription request from upload to the last
// emitted event: receive, normalize, segment, transcribe each chunk in order,
// then clean up the chunk files and the uploaded asset on every path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/storage"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceiving    State = "receiving"
	StateNormalizing  State = "normalizing"
	StateSegmenting   State = "segmenting"
	StateTranscribing State = "transcribing_chunk"
	StateDone         State = "done"
	StateErrored      State = "errored"
)

// Receiver persists an upload stream.
type Receiver interface {
	Receive(ctx context.Context, body io.Reader, filename string) (*storage.Asset, error)
}

// Loader decodes a stored file into canonical audio.
type Loader interface {
	Load(ctx context.Context, path string) (*audio.Normalized, error)
}

// Transcriber is the engine adapter.
type Transcriber interface {
	Transcribe(ctx context.Context, segmentPath, languageLabel string) (stt.Result, error)
	TranscribeFile(ctx context.Context, path, languageLabel string) (stt.Result, error)
}

// Publisher fans events out to other services.
type Publisher interface {
	Publish(ctx context.Context, subject, requestID string, v any) error
}

// History records requests and their events.
type History interface {
	BeginRequest(ctx context.Context, requestID, fileName, language string) error
	Append(ctx context.Context, requestID, kind string, chunkIndex int, payload []byte) error
	FinishRequest(ctx context.Context, requestID, status string) error
}

// Job describes one transcription request after the upload phase.
type Job struct {
	RequestID string
	Asset     *storage.Asset
	// ReceiveErr is the error returned by Receive, if any.
	ReceiveErr   error
	Language     string
	ChunkSeconds float64
	Keywords     string
}

// Event is one item of a stream. Exactly one field is set.
type Event struct {
	Transcription *protocol.TranscriptionEvent
	Error         *protocol.ErrorEvent
}

// Payload returns the value to serialize on the wire.
func (e Event) Payload() any {
	if e.Error != nil {
		return e.Error
	}
	return e.Transcription
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Error != nil || (e.Transcription != nil && e.Transcription.IsFinal)
}

func (e Event) kind() string {
	switch {
	case e.Error != nil:
		return "error"
	case e.Transcription != nil && e.Transcription.IsFinal:
		return "final"
	default:
		return "partial"
	}
}

func (e Event) subject() string {
	switch e.kind() {
	case "error":
		return protocol.SubjectTranscriptError
	case "final":
		return protocol.SubjectTranscriptFinal
	default:
		return protocol.SubjectTranscriptPartial
	}
}

// Options configures an Orchestrator.
type Options struct {
	DefaultLanguage string
	// ChunkDir receives the temporary chunk WAV files.
	ChunkDir string
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher mirrors every event onto the bus.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithHistory records every event in h.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// Orchestrator is shared by all requests.
type Orchestrator struct {
	receiver  Receiver
	loader    Loader
	engine    Transcriber
	publisher Publisher
	history   History
	opts      Options
	log       *slog.Logger
	tracer    trace.Tracer
	clock     func() time.Time

	requests metric.Int64Counter
	chunks   metric.Int64Counter
}

func New(receiver Receiver, loader Loader, engine Transcriber, opts Options, log *slog.Logger, options ...Option) *Orchestrator {
	if opts.ChunkDir == "" {
		opts.ChunkDir = os.TempDir()
	}
	o := &Orchestrator{
		receiver: receiver,
		loader:   loader,
		engine:   engine,
		opts:     opts,
		log:      log.With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-scribe/pipeline"),
		clock:    time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/pipeline")
	var err error
	if o.requests, err = meter.Int64Counter("scribe.requests",
		metric.WithDescription("Transcription requests by mode and outcome")); err != nil {
		o.log.Warn("failed to create request counter", slogError(err))
	}
	if o.chunks, err = meter.Int64Counter("scribe.chunks",
		metric.WithDescription("Chunks transcribed")); err != nil {
		o.log.Warn("failed to create chunk counter", slogError(err))
	}
	return o
}

// Receive runs the receiving state for an upload.
func (o *Orchestrator) Receive(ctx context.Context, body io.Reader, filename string) (*storage.Asset, error) {
	return o.receiver.Receive(ctx, body, filename)
}

// Stream runs the pipeline for job in a new goroutine and returns its events.
// The channel is unbuffered and closed after the terminal event. Cancelling
// ctx stops the producer at its next send or engine call; cleanup still runs.
func (o *Orchestrator) Stream(ctx context.Context, job Job) <-chan Event {
	out := make(chan Event)
	go o.stream(ctx, job, out)
	return out
}

type streamRun struct {
	o     *Orchestrator
	job   Job
	out   chan<- Event
	span  trace.Span
	start time.Time
	state State
}

func (r *streamRun) transition(next State) {
	r.o.log.Debug("pipeline state",
		slog.String("request_id", r.job.RequestID),
		slog.String("from", string(r.state)),
		slog.String("to", string(next)))
	r.span.AddEvent(string(next))
	r.state = next
}

func (o *Orchestrator) stream(ctx context.Context, job Job, out chan<- Event) {
	defer close(out)
	if job.Language == "" {
		job.Language = o.opts.DefaultLanguage
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.stream", trace.WithAttributes(
		attribute.String("request_id", job.RequestID),
		attribute.String("language", job.Language),
		attribute.Float64("chunk_seconds", job.ChunkSeconds),
	))
	defer span.End()

	run := &streamRun{o: o, job: job, out: out, span: span, start: o.clock(), state: StateReceiving}
	defer o.deleteAsset(job)

	o.beginHistory(ctx, job)
	if job.Keywords != "" {
		o.log.Debug("keywords supplied", slog.String("request_id", job.RequestID), slog.String("keywords", job.Keywords))
	}

	if job.ReceiveErr != nil || job.Asset == nil {
		err := job.ReceiveErr
		if err == nil {
			err = storage.ErrMissingFile
		}
		run.fail(ctx, err)
		return
	}

	run.transition(StateNormalizing)
	normalized, err := o.loader.Load(ctx, job.Asset.Path)
	if err != nil {
		run.fail(ctx, err)
		return
	}

	run.transition(StateSegmenting)
	chunks, err := audio.Segment(normalized, job.ChunkSeconds)
	if err != nil {
		run.fail(ctx, err)
		return
	}
	if len(chunks) == 0 {
		run.fail(ctx, &audio.LoadError{Path: job.Asset.Path, Err: errors.New("no audio samples to transcribe")})
		return
	}
	span.SetAttributes(attribute.Int("total_chunks", len(chunks)))

	run.transition(StateTranscribing)
	var accumulated strings.Builder
	for _, chunk := range chunks {
		res, err := o.transcribeChunk(ctx, chunk, job.Language)
		if err != nil {
			run.fail(ctx, err)
			return
		}
		accumulated.WriteString(res.Text)
		total := len(chunks)
		ev := &protocol.TranscriptionEvent{
			Success:         true,
			RequestID:       job.RequestID,
			ChunkIndex:      chunk.Index,
			TotalChunks:     total,
			Progress:        float64(chunk.Index+1) / float64(total),
			ChunkText:       res.Text,
			AccumulatedText: accumulated.String(),
			ProcessingTime:  res.Elapsed.Seconds(),
			Elapsed:         o.clock().Sub(run.start).Seconds(),
			IsFinal:         chunk.Index == total-1,
			FileName:        job.Asset.Name,
			Language:        job.Language,
			Timestamp:       o.clock().Unix(),
		}
		if !run.emit(ctx, Event{Transcription: ev}) {
			run.fail(ctx, ctx.Err())
			return
		}
	}

	run.transition(StateDone)
	o.finishHistory(ctx, job.RequestID, eventstore.StatusCompleted)
	o.countRequest(ctx, "stream", "ok")
	o.log.Info("stream complete",
		slog.String("request_id", job.RequestID),
		slog.Int("chunks", len(chunks)),
		slog.Duration("elapsed", o.clock().Sub(run.start)))
}

// emit mirrors ev to the bus and history, then hands it to the consumer. It
// returns false when the consumer is gone.
func (r *streamRun) emit(ctx context.Context, ev Event) bool {
	r.o.record(ctx, r.job.RequestID, ev)
	select {
	case r.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *streamRun) fail(ctx context.Context, err error) {
	from := r.state
	r.transition(StateErrored)
	status, code := Classify(err)
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, code)
	r.o.countRequest(ctx, "stream", code)
	r.o.finishHistory(ctx, r.job.RequestID, eventstore.StatusFailed)

	if code == CodeCancelled {
		r.o.log.Info("stream cancelled",
			slog.String("request_id", r.job.RequestID),
			slog.String("state", string(from)))
		return
	}
	r.o.log.Warn("stream failed",
		slog.String("request_id", r.job.RequestID),
		slog.String("state", string(from)),
		slog.Int("status", status),
		slog.String("code", code),
		slogError(err))
	ev := &protocol.ErrorEvent{
		Success:   false,
		RequestID: r.job.RequestID,
		Error:     err.Error(),
		ErrorCode: code,
		Timestamp: r.o.clock().Unix(),
	}
	if r.job.Asset != nil {
		ev.FileName = r.job.Asset.Name
	}
	r.emit(ctx, Event{Error: ev})
}

// transcribeChunk writes chunk to a temporary WAV, runs the engine on it and
// removes the file before returning.
func (o *Orchestrator) transcribeChunk(ctx context.Context, chunk audio.Chunk, language string) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}
	f, err := os.CreateTemp(o.opts.ChunkDir, "chunk_*.wav")
	if err != nil {
		return stt.Result{}, &storage.IOError{Op: "create chunk", Err: err}
	}
	path := f.Name()
	f.Close()
	defer func() {
		if err := storage.Delete(path); err != nil {
			o.log.Error("failed to remove chunk file", slog.String("path", path), slogError(err))
		}
	}()

	if err := audio.WriteWAV(path, chunk.Samples, audio.SampleRate); err != nil {
		return stt.Result{}, &storage.IOError{Op: "write chunk", Err: err}
	}
	res, err := o.engine.Transcribe(ctx, path, language)
	if err != nil {
		return stt.Result{}, fmt.Errorf("chunk %d: %w", chunk.Index, err)
	}
	if o.chunks != nil {
		o.chunks.Add(ctx, 1)
	}
	return res, nil
}

// Transcribe handles the non-streaming request: one engine call over the
// whole file, no partial events. The asset is deleted before it returns.
func (o *Orchestrator) Transcribe(ctx context.Context, job Job) (protocol.TranscriptionResult, error) {
	if job.Language == "" {
		job.Language = o.opts.DefaultLanguage
	}
	ctx, span := o.tracer.Start(ctx, "pipeline.transcribe", trace.WithAttributes(
		attribute.String("request_id", job.RequestID),
		attribute.String("language", job.Language),
	))
	defer span.End()
	defer o.deleteAsset(job)
	o.beginHistory(ctx, job)

	result := protocol.TranscriptionResult{
		TaskID:   job.RequestID,
		Language: job.Language,
	}
	if job.Asset != nil {
		result.FileName = job.Asset.Name
	}

	err := job.ReceiveErr
	if err == nil && job.Asset == nil {
		err = storage.ErrMissingFile
	}
	var res stt.Result
	if err == nil {
		res, err = o.engine.TranscribeFile(ctx, job.Asset.Path, job.Language)
	}
	result.Timestamp = o.clock().Unix()
	if err != nil {
		_, code := Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		result.Error = err.Error()
		result.ErrorCode = code
		o.record(ctx, job.RequestID, Event{Error: &protocol.ErrorEvent{
			RequestID: job.RequestID, Error: result.Error, ErrorCode: code, FileName: result.FileName, Timestamp: result.Timestamp,
		}})
		o.finishHistory(ctx, job.RequestID, eventstore.StatusFailed)
		o.countRequest(ctx, "single", code)
		o.log.Warn("transcription failed", slog.String("request_id", job.RequestID), slog.String("code", code), slogError(err))
		return result, err
	}

	result.Success = true
	result.Transcription = res.Text
	result.ProcessingTime = res.Elapsed.Seconds()
	o.record(ctx, job.RequestID, Event{Transcription: &protocol.TranscriptionEvent{
		Success:         true,
		RequestID:       job.RequestID,
		TotalChunks:     1,
		Progress:        1,
		ChunkText:       res.Text,
		AccumulatedText: res.Text,
		ProcessingTime:  result.ProcessingTime,
		IsFinal:         true,
		FileName:        result.FileName,
		Language:        job.Language,
		Timestamp:       result.Timestamp,
	}})
	o.finishHistory(ctx, job.RequestID, eventstore.StatusCompleted)
	o.countRequest(ctx, "single", "ok")
	o.log.Info("transcription complete",
		slog.String("request_id", job.RequestID),
		slog.Float64("processing_time", result.ProcessingTime))
	return result, nil
}

func (o *Orchestrator) deleteAsset(job Job) {
	if job.Asset == nil {
		return
	}
	if err := storage.Delete(job.Asset.Path); err != nil {
		o.log.Error("failed to delete asset", slog.String("request_id", job.RequestID), slog.String("path", job.Asset.Path), slogError(err))
	}
}

// record forwards ev to the publisher and the history store. Failures are
// logged and never affect the request.
func (o *Orchestrator) record(ctx context.Context, requestID string, ev Event) {
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, ev.subject(), requestID, ev.Payload()); err != nil {
			o.log.Warn("failed to publish event", slog.String("request_id", requestID), slogError(err))
		}
	}
	if o.history == nil {
		return
	}
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		o.log.Warn("failed to encode event for history", slogError(err))
		return
	}
	index := 0
	if ev.Transcription != nil {
		index = ev.Transcription.ChunkIndex
	}
	if err := o.history.Append(context.WithoutCancel(ctx), requestID, ev.kind(), index, payload); err != nil {
		o.log.Warn("failed to record event", slog.String("request_id", requestID), slogError(err))
	}
}

func (o *Orchestrator) beginHistory(ctx context.Context, job Job) {
	if o.history == nil {
		return
	}
	name := ""
	if job.Asset != nil {
		name = job.Asset.Name
	}
	if err := o.history.BeginRequest(context.WithoutCancel(ctx), job.RequestID, name, job.Language); err != nil {
		o.log.Warn("failed to record request", slog.String("request_id", job.RequestID), slogError(err))
	}
}

func (o *Orchestrator) finishHistory(ctx context.Context, requestID, status string) {
	if o.history == nil {
		return
	}
	if err := o.history.FinishRequest(context.WithoutCancel(ctx), requestID, status); err != nil {
		o.log.Warn("failed to finish request record", slog.String("request_id", requestID), slogError(err))
	}
}

func (o *Orchestrator) countRequest(ctx context.Context, mode, outcome string) {
	if o.requests == nil {
		return
	}
	o.requests.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
