//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

type whisperEngine struct {
	path      string
	modelName string

	mu    sync.Mutex
	model whisper.Model
}

// NewWhisperEngine returns an engine backed by the whisper.cpp bindings.
func NewWhisperEngine(cfg config.EngineConfig) (Engine, error) {
	return &whisperEngine{path: whisperModelPath(cfg), modelName: cfg.ModelName}, nil
}

func (w *whisperEngine) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	model, err := whisper.New(w.path)
	if err != nil {
		return fmt.Errorf("load whisper model %s: %w", w.path, err)
	}
	w.mu.Lock()
	w.model = model
	w.mu.Unlock()
	return nil
}

func (w *whisperEngine) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	w.mu.Lock()
	model := w.model
	w.mu.Unlock()
	if model == nil {
		return "", ErrEngineNotReady
	}
	samples, err := audio.ReadWAV(audioPath)
	if err != nil {
		return "", err
	}
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		return "", fmt.Errorf("whisper language %q: %w", language, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}
	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper segment: %w", err)
		}
		text.WriteString(segment.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

func (w *whisperEngine) Info() EngineInfo {
	return EngineInfo{Backend: "whisper", ModelName: w.modelName}
}

func (w *whisperEngine) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.model == nil {
		return nil
	}
	err := w.model.Close()
	w.model = nil
	return err
}
