//go:build !whisper

package stt

import (
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewWhisperEngine is unavailable unless built with -tags whisper.
func NewWhisperEngine(config.EngineConfig) (Engine, error) {
	return nil, errors.New("whisper engine requires building with -tags whisper")
}
