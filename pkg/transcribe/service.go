package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/audio"
	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Input is the computation input of the speech-to-text service: a blocking
// PCM source and the correlation tag of the call it belongs to.
type Input struct {
	Audio io.Reader
	Tag   string
}

// Service adapts a [Streamer] to the reusable service lifecycle.
//
// One computation transcribes one audio stream: the PCM source is pumped
// through a demand-driven publisher into the provider stream, and the
// provider's result events are folded by a [Merger] into debounced
// [Transcription] fan-outs plus a per-utterance [SpeechStarted] edge.
type Service struct {
	core *service.Service
	log  *slog.Logger

	streamer  Streamer
	cfg       StreamConfig
	chunkSize int

	subs    *audio.SubscriptionRegistry
	started *service.Registry
	merger  *Merger

	// audioStartMillis is the epoch of the current audio stream, the base
	// against which provider-relative result times are absolutized. Zero
	// while no computation is running.
	audioStartMillis atomic.Int64
}

// ServiceOption configures a transcription service.
type ServiceOption func(*Service)

// WithChunkSize sets the audio read block size in bytes.
func WithChunkSize(n int) ServiceOption {
	return func(s *Service) { s.chunkSize = n }
}

// WithScope binds the service to an existing task scope.
func WithScope(scope *service.Scope) ServiceOption {
	return func(s *Service) { s.core = service.New("transcribe", s, service.WithScope(scope)) }
}

// NewService builds a speech-to-text service on top of the given streamer.
func NewService(streamer Streamer, cfg StreamConfig, opts ...ServiceOption) *Service {
	s := &Service{
		log:       slog.With("component", "transcribe.service"),
		streamer:  streamer,
		cfg:       cfg,
		chunkSize: audio.DefaultChunkSize,
		subs:      audio.NewSubscriptionRegistry(),
		started:   service.NewRegistry("transcribe.started-speaking"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.core == nil {
		s.core = service.New("transcribe", s)
	}
	s.merger = NewMerger(
		s.core.Scope(),
		s.core.ResetTimeout,
		s.audioStartMillis.Load,
		s.core.Results(),
		s.started,
	)
	return s
}

// Results returns the registry receiving merged [Transcription] values.
func (s *Service) Results() *service.Registry { return s.core.Results() }

// Errors returns the registry receiving classified service errors.
func (s *Service) Errors() *service.Registry { return s.core.Errors() }

// StartedSpeaking returns the registry receiving [SpeechStarted] edges.
func (s *Service) StartedSpeaking() *service.Registry { return s.started }

// Active reports whether the service has been activated.
func (s *Service) Active() bool { return s.core.Active() }

// Computing reports whether a transcription is in flight.
func (s *Service) Computing() bool { return s.core.Computing() }

// Activate acquires the provider client.
func (s *Service) Activate(tag string) bool { return s.core.Activate(tag) }

// Deactivate releases the provider client.
func (s *Service) Deactivate(tag string) bool { return s.core.Deactivate(tag) }

// Stop cancels the in-flight transcription.
func (s *Service) Stop(tag string) bool { return s.core.Stop(tag) }

// Wait blocks until the in-flight transcription finishes.
func (s *Service) Wait(timeout *service.Timeout, tag string) bool {
	return s.core.Wait(timeout, tag)
}

// CancelScope terminates the service permanently.
func (s *Service) CancelScope() bool { return s.core.CancelScope() }

// Transcribe starts transcribing in.Audio asynchronously. Results arrive
// through the registries; the optional watchdog stops the computation when
// the provider goes silent for longer than its deadline.
func (s *Service) Transcribe(in *Input, timeout *service.RefreshableTimeout) bool {
	return s.core.ComputeAsync(in, timeout, in.Tag)
}

// ─── Lifecycle hooks ──────────────────────────────────────────────────────────

// OnActivate implements [service.Hooks].
func (s *Service) OnActivate(ctx context.Context) error {
	return s.streamer.Activate(ctx)
}

// OnDeactivate implements [service.Hooks].
func (s *Service) OnDeactivate(ctx context.Context) error {
	return s.streamer.Deactivate(ctx)
}

// OnCompute implements [service.Hooks]. It runs for the lifetime of one
// transcription stream and returns when the provider closes the event
// channel or ctx is cancelled.
func (s *Service) OnCompute(ctx context.Context, input any) error {
	in, ok := input.(*Input)
	if !ok {
		return fmt.Errorf("transcribe: unexpected input type %T", input)
	}
	if in.Audio == nil {
		return fmt.Errorf("transcribe: nil audio source (tag %q)", in.Tag)
	}

	s.audioStartMillis.Store(time.Now().UnixMilli())

	stream, err := s.streamer.Start(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("starting transcription stream: %w", err)
	}

	pub := audio.NewPublisher(in.Audio, s.chunkSize, s.subs)
	pub.Subscribe(&streamFeeder{ctx: ctx, stream: stream, log: s.log})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("transcription stream failed: %w", err)
				}
				return nil
			}
			s.merger.OnResults(batch, in.Tag)
		}
	}
}

// OnStop implements [service.StopHook]: tear down the audio subscription and
// drop any buffered-but-unflushed transcription.
func (s *Service) OnStop(context.Context) error {
	s.subs.Stop()
	s.merger.CancelPending()
	s.audioStartMillis.Store(0)
	return nil
}

// streamFeeder is the audio subscriber that forwards chunks into the
// provider stream, one chunk of demand at a time.
type streamFeeder struct {
	ctx    context.Context
	stream Stream
	log    *slog.Logger
	sub    *audio.Subscription
}

func (f *streamFeeder) OnSubscribe(sub *audio.Subscription) {
	f.sub = sub
	sub.Request(1)
}

func (f *streamFeeder) OnNext(chunk audio.Chunk) {
	if err := f.stream.SendAudio(f.ctx, chunk.Data); err != nil {
		f.log.Warn("sending audio chunk", "error", err)
		f.sub.Cancel()
		return
	}
	f.sub.Request(1)
}

func (f *streamFeeder) OnError(err error) {
	f.log.Warn("audio source failed", "error", err)
	if cerr := f.stream.CloseSend(); cerr != nil {
		f.log.Warn("closing audio upload", "error", cerr)
	}
}

func (f *streamFeeder) OnComplete() {
	if err := f.stream.CloseSend(); err != nil {
		f.log.Warn("closing audio upload", "error", err)
	}
}
