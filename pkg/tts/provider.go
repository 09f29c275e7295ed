// Package tts synthesizes the assistant's replies into PCM audio. It defines
// the streaming provider abstraction, an ElevenLabs websocket implementation,
// and a playback service on the reusable service lifecycle.
package tts

import "context"

// VoiceProfile identifies a synthesis voice at a provider.
type VoiceProfile struct {
	ID       string
	Name     string
	Provider string
	Metadata map[string]string
}

// Provider is the abstraction over a streaming TTS backend.
//
// SynthesizeStream consumes text fragments from the text channel and returns
// a channel emitting raw PCM chunks as they are synthesized, so model output
// can be piped into synthesis without waiting for the full reply. The audio
// channel is closed when all text has been synthesized or ctx is cancelled;
// the caller must drain it. A non-nil error is returned only when the stream
// cannot be started.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
