package transcribe

import (
	"context"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Item is one recognised token with provider-relative timing. A Confidence
// of [UnknownConfidence] means the provider reported none for this token.
type Item struct {
	Content      string
	Confidence   float64
	StartSeconds float64
	EndSeconds   float64
}

// Alternative is one candidate reading of an audio segment.
type Alternative struct {
	// Text is the full candidate transcript.
	Text string

	// Items are the per-token details backing Text.
	Items []Item
}

// Result is a single recognition result from the provider. Partial results
// revise each other until a final result closes the segment.
type Result struct {
	IsPartial    bool
	Alternatives []Alternative
}

// StreamConfig carries the per-stream settings handed to a [Streamer].
type StreamConfig struct {
	// LanguageCode is the BCP-47 tag for recognition (e.g., "en-US").
	LanguageCode string

	// SampleRateHz of the PCM input.
	SampleRateHz int
}

// Stream is a live bidirectional transcription session.
//
// Events delivers batches of results until the provider closes the stream;
// the channel is closed afterwards and Err reports the terminal error, if
// any. SendAudio and CloseSend feed the upstream side.
type Stream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	CloseSend() error
	Events() <-chan []Result
	Err() error
}

// Streamer produces transcription streams. Activate acquires the provider
// client shared by all streams of the instance; Deactivate releases it.
// Implementations: [AWSStreamer] for AWS Transcribe, test fakes elsewhere.
type Streamer interface {
	Activate(ctx context.Context) error
	Start(ctx context.Context, cfg StreamConfig) (Stream, error)
	Deactivate(ctx context.Context) error
}

// SpeechStarted is the edge event fanned out once per utterance when enough
// partial words have been observed to conclude the caller is speaking.
type SpeechStarted struct {
	Tag string
}

// SourceTag implements service.Input.
func (s *SpeechStarted) SourceTag() string { return s.Tag }

// Copy implements service.Input.
func (s *SpeechStarted) Copy() service.Input {
	cp := *s
	return &cp
}
