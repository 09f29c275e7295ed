// Package audio defines the audio transport primitives shared by the Vocalis
// pipeline: the PCM wire format, the pull-based chunk publisher feeding the
// speech-to-text provider, and the registry holding the process-wide
// subscription slot.
package audio

import "time"

// PCM wire format for all audio entering the pipeline: linear PCM, 16 kHz,
// 16-bit signed, mono, little-endian.
const (
	SampleRateHz  = 16000
	BitsPerSample = 16
	ChannelCount  = 1

	// BytesPerSecond is the PCM byte rate implied by the format above.
	BytesPerSecond = SampleRateHz * BitsPerSample / 8 * ChannelCount

	// DefaultChunkSize is the number of bytes per audio pull when the
	// AWS_TRANSCRIBE_AUDIO_STREAM_CHUNK_SIZE environment variable is unset.
	DefaultChunkSize = 4096
)

// Chunk is a single frame of PCM audio read from the input stream.
type Chunk struct {
	// Data holds raw PCM bytes in the package wire format.
	Data []byte
}

// Duration returns the play time of the chunk at the package wire format.
func (c Chunk) Duration() time.Duration {
	return time.Duration(len(c.Data)) * time.Second / BytesPerSecond
}
