package audio

import "time"

// Audio format for narration playback. The synthesis backend emits
// 16-bit little-endian mono PCM at 24kHz; every buffer that reaches the
// Scheduler is in this format.
const (
	// SampleRate is the audio sample rate in Hz.
	SampleRate = 24000
	// Channels is the number of audio channels (1 = mono).
	Channels = 1
	// BitDepth is the bit depth per sample.
	BitDepth = 16
	// BytesPerSample is the number of bytes per sample.
	BytesPerSample = BitDepth / 8
	// BytesPerSecond is the PCM byte rate of the narration format.
	BytesPerSecond = SampleRate * Channels * BytesPerSample
)

// PCMDuration returns the playback duration of raw PCM data in the
// narration format.
func PCMDuration(n int) time.Duration {
	samples := n / (BytesPerSample * Channels)
	return time.Duration(samples) * time.Second / SampleRate
}
