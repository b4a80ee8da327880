package audio

import (
	"errors"
	"math"
)

// ErrInvalidChunkDuration is returned for a chunk duration that does not
// produce at least one sample per chunk.
var ErrInvalidChunkDuration = errors.New("chunk duration must be a positive number of seconds")

// Chunk is a contiguous view over Normalized samples covering [Start, End).
type Chunk struct {
	Index   int
	Start   int
	End     int
	Samples []float32
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return c.End - c.Start }

// Segment splits a into ceil(N/size) contiguous chunks of
// round(chunkSeconds*rate) samples. The last chunk holds the remainder and is
// never padded. Chunks share the backing array of a.
func Segment(a *Normalized, chunkSeconds float64) ([]Chunk, error) {
	if math.IsNaN(chunkSeconds) || math.IsInf(chunkSeconds, 0) || chunkSeconds <= 0 {
		return nil, ErrInvalidChunkDuration
	}
	rate := a.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	sizeF := math.Round(chunkSeconds * float64(rate))
	if sizeF < 1 {
		return nil, ErrInvalidChunkDuration
	}
	total := len(a.Samples)
	if total == 0 {
		return nil, nil
	}
	// Sizes are compared as floats so a huge duration cannot overflow int.
	if sizeF >= float64(total) {
		return []Chunk{{Index: 0, Start: 0, End: total, Samples: a.Samples[0:total:total]}}, nil
	}
	size := int(sizeF)
	count := total / size
	if total%size != 0 {
		count++
	}
	chunks := make([]Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > total {
			end = total
		}
		chunks = append(chunks, Chunk{
			Index:   i,
			Start:   start,
			End:     end,
			Samples: a.Samples[start:end:end],
		})
	}
	return chunks, nil
}
