package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizePeak(t *testing.T) {
	samples := []float32{0.1, -0.4, 0.25, 0}
	Normalize(samples)
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if math.Abs(peak-1) > 1e-6 {
		t.Fatalf("expected peak 1.0, got %v", peak)
	}
	if samples[1] != -1 {
		t.Fatalf("expected negative peak sample to become -1, got %v", samples[1])
	}
}

func TestNormalizeSilenceUnchanged(t *testing.T) {
	samples := make([]float32, 10)
	Normalize(samples)
	for i, s := range samples {
		if s != 0 || math.IsNaN(float64(s)) {
			t.Fatalf("sample %d changed to %v", i, s)
		}
	}
}

func TestPadToMinimum(t *testing.T) {
	short := []float32{0.5, 0.5, 0.5}
	padded := PadToMinimum(short)
	if len(padded) != 1600 {
		t.Fatalf("expected 1600 samples, got %d", len(padded))
	}
	for i := 3; i < len(padded); i++ {
		if padded[i] != 0 {
			t.Fatalf("expected zero tail at %d, got %v", i, padded[i])
		}
	}
	long := make([]float32, 2000)
	if got := PadToMinimum(long); len(got) != 2000 {
		t.Fatalf("expected long input untouched, got %d", len(got))
	}
}

func TestDownmixAndResample(t *testing.T) {
	stereo := []float32{1, 0, 0.5, 0.5, -1, 1}
	mono := Downmix(stereo, 2)
	want := []float32{0.5, 0.5, 0}
	for i := range want {
		if mono[i] != want[i] {
			t.Fatalf("downmix[%d] = %v, want %v", i, mono[i], want[i])
		}
	}

	src := make([]float32, 100)
	for i := range src {
		src[i] = float32(i)
	}
	up := Resample(src, 8000, 16000)
	if len(up) != 200 {
		t.Fatalf("expected 200 samples, got %d", len(up))
	}
	if up[1] != 0.5 || up[2] != 1 {
		t.Fatalf("expected linear interpolation, got %v %v", up[1], up[2])
	}
	down := Resample(src, 48000, 16000)
	if len(down) != 33 {
		t.Fatalf("expected 33 samples, got %d", len(down))
	}
}

func TestSegmentProperties(t *testing.T) {
	cases := []struct {
		samples int
		seconds float64
		chunks  int
	}{
		{75 * SampleRate, 30, 3},
		{60 * SampleRate, 30, 2},
		{MinSamples, 30, 1},
		{16001, 1, 2},
		{48000, 0.5, 6},
	}
	for _, tc := range cases {
		a := &Normalized{Samples: make([]float32, tc.samples), SampleRate: SampleRate, Channels: 1}
		chunks, err := Segment(a, tc.seconds)
		if err != nil {
			t.Fatalf("segment(%d, %v): %v", tc.samples, tc.seconds, err)
		}
		if len(chunks) != tc.chunks {
			t.Fatalf("segment(%d, %v): expected %d chunks, got %d", tc.samples, tc.seconds, tc.chunks, len(chunks))
		}
		size := int(math.Round(tc.seconds * SampleRate))
		next, total := 0, 0
		for i, c := range chunks {
			if c.Index != i || c.Start != next {
				t.Fatalf("chunk %d not contiguous: %+v", i, c)
			}
			if len(c.Samples) != c.Len() {
				t.Fatalf("chunk %d view length mismatch", i)
			}
			if i < len(chunks)-1 && c.Len() != size {
				t.Fatalf("chunk %d expected %d samples, got %d", i, size, c.Len())
			}
			next = c.End
			total += c.Len()
		}
		if total != tc.samples {
			t.Fatalf("chunks cover %d samples, want %d", total, tc.samples)
		}
		last := chunks[len(chunks)-1]
		if want := tc.samples - size*(len(chunks)-1); last.Len() != want {
			t.Fatalf("last chunk expected %d samples, got %d", want, last.Len())
		}
	}
}

func TestSegmentLongDurationYieldsSingleChunk(t *testing.T) {
	const samples = 24000
	a := &Normalized{Samples: make([]float32, samples), SampleRate: SampleRate, Channels: 1}
	for _, d := range []float64{
		float64(samples) / SampleRate,
		float64(samples)/SampleRate + 0.5,
		3600,
		576460752303423.4,
		1e15,
		math.MaxFloat64,
	} {
		chunks, err := Segment(a, d)
		if err != nil {
			t.Fatalf("duration %v: %v", d, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("duration %v: expected 1 chunk, got %d", d, len(chunks))
		}
		if c := chunks[0]; c.Index != 0 || c.Start != 0 || c.End != samples || len(c.Samples) != samples {
			t.Fatalf("duration %v: chunk covers [%d,%d) with %d samples", d, c.Start, c.End, len(c.Samples))
		}
	}
}

func TestSegmentRejectsBadDuration(t *testing.T) {
	a := &Normalized{Samples: make([]float32, MinSamples), SampleRate: SampleRate, Channels: 1}
	for _, d := range []float64{0, -1, math.NaN(), math.Inf(1), 0.00001} {
		if _, err := Segment(a, d); !errors.Is(err, ErrInvalidChunkDuration) {
			t.Fatalf("duration %v: expected ErrInvalidChunkDuration, got %v", d, err)
		}
	}
}

func TestLoadWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	samples := make([]float32, 2000)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/SampleRate))
	}
	if err := WriteWAV(path, samples, SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	n, err := NewNormalizer("", discardLogger())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	got, err := n.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SampleRate != SampleRate || got.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", got.SampleRate, got.Channels)
	}
	if len(got.Samples) != 2000 {
		t.Fatalf("expected 2000 samples, got %d", len(got.Samples))
	}
	var peak float64
	for _, s := range got.Samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if math.Abs(peak-1) > 1e-6 {
		t.Fatalf("expected normalized peak, got %v", peak)
	}
}

func TestLoadShortWAVIsPadded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blip.wav")
	if err := WriteWAV(path, []float32{0.2, -0.2, 0.1}, SampleRate); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	n, _ := NewNormalizer("", discardLogger())
	got, err := n.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Samples) != MinSamples {
		t.Fatalf("expected %d samples, got %d", MinSamples, len(got.Samples))
	}
}

func TestLoadThroughDecoderCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.mp3")
	pcm := make([]byte, 4000)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i%100*10)))
	}
	if err := os.WriteFile(path, pcm, 0o644); err != nil {
		t.Fatalf("write pcm: %v", err)
	}
	n, err := NewNormalizer("cat {input}", discardLogger())
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	got, err := n.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Samples) != 2000 {
		t.Fatalf("expected 2000 samples, got %d", len(got.Samples))
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "broken.wav")
	if err := os.WriteFile(garbage, []byte("definitely not riff"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	other := filepath.Join(dir, "song.ogg")
	if err := os.WriteFile(other, []byte{1, 2}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	n, _ := NewNormalizer("", discardLogger())
	for _, p := range []string{garbage, other, filepath.Join(dir, "missing.wav")} {
		_, err := n.Load(context.Background(), p)
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("%s: expected LoadError, got %v", filepath.Base(p), err)
		}
	}
}
