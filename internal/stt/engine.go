// Package stt wraps speech recognition engines behind a narrow interface and
// adapts them for request handling: language mapping, readiness gating,
// call serialization and error wrapping.
package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Engine abstracts STT backends. Transcribe receives the path of a mono
// 16 kHz WAV file and an engine language code.
type Engine interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, audioPath, language string) (string, error)
	Info() EngineInfo
	Close() error
}

// ConcurrentSafe is implemented by engines that tolerate overlapping
// Transcribe calls. Engines that do not implement it are serialized.
type ConcurrentSafe interface {
	ConcurrentSafe() bool
}

// EngineInfo describes a backend.
type EngineInfo struct {
	Backend   string
	ModelName string
}

// ErrEngineNotReady is returned for calls made before Init completed.
var ErrEngineNotReady = errors.New("transcription engine not ready")

// InferenceError wraps a backend failure for one input.
type InferenceError struct {
	Path string
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for %s: %v", e.Path, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
