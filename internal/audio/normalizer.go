package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

const inputPlaceholder = "{input}"

// Normalizer loads stored uploads into Normalized buffers. WAV files are
// decoded in process; every other container goes through an external decoder
// command that writes signed 16-bit little-endian mono 16 kHz PCM to stdout.
type Normalizer struct {
	decoder []string
	log     *slog.Logger
}

func NewNormalizer(decoderCommand string, log *slog.Logger) (*Normalizer, error) {
	n := &Normalizer{log: log.With(slog.String("component", "audio.normalizer"))}
	if strings.TrimSpace(decoderCommand) == "" {
		return n, nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(decoderCommand)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("decoder command is empty")
	}
	n.decoder = args
	return n, nil
}

// Load decodes path and returns canonical audio. Any failure is a *LoadError.
func (n *Normalizer) Load(ctx context.Context, path string) (*Normalized, error) {
	var (
		samples  []float32
		rate     int
		channels int
		err      error
	)
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		samples, rate, channels, err = decodeWAV(path)
	} else {
		samples, err = n.runDecoder(ctx, path)
		rate, channels = SampleRate, 1
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	out, err := Canonicalize(samples, rate, channels)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	n.log.Debug("audio normalized",
		slog.String("path", path),
		slog.Int("source_rate", rate),
		slog.Int("source_channels", channels),
		slog.Int("samples", len(out.Samples)))
	return out, nil
}

func (n *Normalizer) runDecoder(ctx context.Context, path string) ([]float32, error) {
	if len(n.decoder) == 0 {
		return nil, fmt.Errorf("no decoder configured for %s", filepath.Ext(path))
	}
	args := make([]string, 0, len(n.decoder)+1)
	substituted := false
	for _, a := range n.decoder {
		if strings.Contains(a, inputPlaceholder) {
			a = strings.ReplaceAll(a, inputPlaceholder, path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("decoder failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return pcm16ToFloat(stdout.Bytes())
}

func pcm16ToFloat(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out, nil
}
