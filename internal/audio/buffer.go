package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrEmptyBuffer is returned when a buffer holds no audio data.
var ErrEmptyBuffer = errors.New("empty audio buffer")

// Buffer is one decoded unit of narration audio, ready for scheduling.
type Buffer struct {
	// PCM holds 16-bit LE mono samples at SampleRate.
	PCM []byte
	// Duration is the playback duration of PCM.
	Duration time.Duration
}

// NewBuffer validates raw PCM data and wraps it in a Buffer.
func NewBuffer(pcm []byte) (*Buffer, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyBuffer
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("invalid PCM length: %d bytes (not aligned to %d-byte samples)",
			len(pcm), BytesPerSample)
	}
	return &Buffer{
		PCM:      pcm,
		Duration: PCMDuration(len(pcm)),
	}, nil
}
