package stt

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewEngine builds the backend selected by cfg.Mode.
func NewEngine(cfg config.EngineConfig, device DeviceInfo) (Engine, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockEngine(cfg.ModelName), nil
	case "exec":
		return NewExecEngine(cfg, device.Device)
	case "whisper":
		return NewWhisperEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

// whisperModelPath accepts either a model file or a directory holding
// <model_name>.bin.
func whisperModelPath(cfg config.EngineConfig) string {
	if strings.HasSuffix(cfg.ModelDir, ".bin") {
		return cfg.ModelDir
	}
	name := cfg.ModelName
	if filepath.Ext(name) == "" {
		name += ".bin"
	}
	return filepath.Join(cfg.ModelDir, name)
}
