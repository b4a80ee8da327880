package audio

import (
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes mono float samples as 16-bit PCM at rate.
func WriteWAV(path string, samples []float32, rate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	if err := encodeWAV(file, samples, rate); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func encodeWAV(w io.WriteSeeker, samples []float32, rate int) error {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = floatToPCM16(s)
	}
	enc := wav.NewEncoder(w, rate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func floatToPCM16(s float32) int {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int(math.Round(float64(s) * math.MaxInt16))
}

// ReadWAV decodes path to mono samples at SampleRate without normalizing
// amplitude. Engines use it to load chunks written by WriteWAV.
func ReadWAV(path string) ([]float32, error) {
	samples, rate, channels, err := decodeWAV(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return Resample(Downmix(samples, channels), rate, SampleRate), nil
}

// decodeWAV reads a PCM WAV file and returns interleaved float samples in
// [-1, 1] together with its rate and channel count.
func decodeWAV(path string) ([]float32, int, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode pcm: %w", err)
	}
	depth := int(dec.BitDepth)
	if depth <= 0 || depth > 32 {
		return nil, 0, 0, fmt.Errorf("unsupported bit depth %d", depth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		return nil, 0, 0, fmt.Errorf("wav declares no channels")
	}
	scale := float32(math.Pow(2, float64(depth-1)))
	out := make([]float32, len(buf.Data))
	if depth == 8 {
		// 8-bit PCM is unsigned
		for i, v := range buf.Data {
			out[i] = float32(v-128) / scale
		}
	} else {
		for i, v := range buf.Data {
			out[i] = float32(v) / scale
		}
	}
	return out, int(dec.SampleRate), channels, nil
}
