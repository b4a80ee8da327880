// Package audio turns stored uploads into the canonical buffer the engines
// consume (mono, 16 kHz, float32, peak normalized, at least 0.1 s long) and
// splits that buffer into fixed-duration chunks.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// SampleRate is the only rate engines receive.
	SampleRate = 16000
	// MinSamples is the 0.1 s floor below which audio is zero padded.
	MinSamples = SampleRate / 10
)

// Normalized is decoded, mono, 16 kHz audio ready for inference.
type Normalized struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Duration derives the playback length from the sample count.
func (n *Normalized) Duration() time.Duration {
	if n == nil || n.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(n.Samples)) / float64(n.SampleRate) * float64(time.Second))
}

// LoadError reports an input that could not be decoded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load audio %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

var errNoSamples = errors.New("no audio samples decoded")

// Normalize divides every sample by the absolute peak in place. Silent input
// is left untouched.
func Normalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return samples
	}
	for i := range samples {
		samples[i] /= peak
	}
	return samples
}

// PadToMinimum right-pads samples with zeros up to MinSamples.
func PadToMinimum(samples []float32) []float32 {
	if len(samples) >= MinSamples {
		return samples
	}
	out := make([]float32, MinSamples)
	copy(out, samples)
	return out
}

// Downmix averages interleaved frames into a single channel.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += interleaved[base+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// Resample converts mono samples from rate `from` to `to` by linear
// interpolation.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return samples
	}
	outLen := int(math.Round(float64(len(samples)) * float64(to) / float64(from)))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float32, outLen)
	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// Canonicalize applies the downmix, resample, normalize and pad steps in
// order and returns the result as a Normalized buffer.
func Canonicalize(interleaved []float32, rate, channels int) (*Normalized, error) {
	if len(interleaved) == 0 {
		return nil, errNoSamples
	}
	mono := Downmix(interleaved, channels)
	mono = Resample(mono, rate, SampleRate)
	mono = Normalize(mono)
	mono = PadToMinimum(mono)
	return &Normalized{Samples: mono, SampleRate: SampleRate, Channels: 1}, nil
}
