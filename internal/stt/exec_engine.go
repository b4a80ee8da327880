package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine runs an external recognizer once per call:
//
//	<command> --audio <path> --language <code> [--model <dir>] [--cache-dir <dir>] [--device <dev>]
//
// and expects {"text": "..."} on stdout.
type execEngine struct {
	cmd    []string
	cfg    config.EngineConfig
	device string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

func NewExecEngine(cfg config.EngineConfig, device string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args, cfg: cfg, device: device}, nil
}

func (e *execEngine) Load(context.Context) error {
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return fmt.Errorf("engine command %q: %w", e.cmd[0], err)
	}
	return nil
}

func (e *execEngine) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath, "--language", language)
	if e.cfg.ModelDir != "" {
		cmdArgs = append(cmdArgs, "--model", e.cfg.ModelDir)
	}
	if e.cfg.CacheDir != "" {
		cmdArgs = append(cmdArgs, "--cache-dir", e.cfg.CacheDir)
	}
	if e.device != "" {
		cmdArgs = append(cmdArgs, "--device", e.device)
	}

	command := exec.CommandContext(ctx, e.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("engine command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode engine response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("engine reported: %s", resp.Error)
	}
	return resp.Text, nil
}

func (e *execEngine) Info() EngineInfo {
	return EngineInfo{Backend: "exec", ModelName: e.cfg.ModelName}
}

// Each call is its own process.
func (e *execEngine) ConcurrentSafe() bool { return true }

func (e *execEngine) Close() error { return nil }
