package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

type mockEngine struct {
	modelName string
}

// NewMockEngine returns an engine whose text is derived from the input
// duration, for development and tests without a model.
func NewMockEngine(modelName string) Engine {
	return &mockEngine{modelName: modelName}
}

func (m *mockEngine) Load(context.Context) error { return nil }

func (m *mockEngine) Transcribe(_ context.Context, audioPath, language string) (string, error) {
	samples, err := audio.ReadWAV(audioPath)
	if err != nil {
		return "", err
	}
	seconds := float64(len(samples)) / audio.SampleRate
	return fmt.Sprintf("[mock transcript lang=%s duration=%.2fs]", language, seconds), nil
}

func (m *mockEngine) Info() EngineInfo {
	return EngineInfo{Backend: "mock", ModelName: m.modelName}
}

func (m *mockEngine) ConcurrentSafe() bool { return true }

func (m *mockEngine) Close() error { return nil }
