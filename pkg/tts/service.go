package tts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Speech is one fanned-out synthesis chunk. The terminal chunk carries no
// PCM and Last set, so playback consumers know the reply is complete.
type Speech struct {
	PCM  []byte
	Seq  int
	Last bool
	Tag  string
}

// SourceTag implements [service.Input].
func (s *Speech) SourceTag() string { return s.Tag }

// Copy implements [service.Input].
func (s *Speech) Copy() service.Input {
	cp := *s
	cp.PCM = append([]byte(nil), s.PCM...)
	return &cp
}

// Input is the computation input of the playback service: the reply text as
// a fragment channel (closed when the reply is complete), the voice to use,
// and the correlation tag.
type Input struct {
	Text  <-chan string
	Voice VoiceProfile
	Tag   string
}

// Service adapts a [Provider] to the reusable service lifecycle. One
// computation synthesizes one reply; each PCM chunk is fanned out as a
// [Speech] as it arrives, followed by a terminal marker.
type Service struct {
	core *service.Service
	log  *slog.Logger

	provider Provider
}

// ServiceOption configures a playback service.
type ServiceOption func(*Service)

// WithScope binds the service to an existing task scope.
func WithScope(scope *service.Scope) ServiceOption {
	return func(s *Service) { s.core = service.New("tts", s, service.WithScope(scope)) }
}

// NewService builds a playback service on top of the given provider.
func NewService(provider Provider, opts ...ServiceOption) *Service {
	s := &Service{
		log:      slog.With("component", "tts.service"),
		provider: provider,
	}
	for _, o := range opts {
		o(s)
	}
	if s.core == nil {
		s.core = service.New("tts", s)
	}
	return s
}

// Results returns the registry receiving [Speech] chunks.
func (s *Service) Results() *service.Registry { return s.core.Results() }

// Errors returns the registry receiving classified service errors.
func (s *Service) Errors() *service.Registry { return s.core.Errors() }

// Active reports whether the service has been activated.
func (s *Service) Active() bool { return s.core.Active() }

// Computing reports whether a synthesis is in flight.
func (s *Service) Computing() bool { return s.core.Computing() }

// Activate marks the service ready.
func (s *Service) Activate(tag string) bool { return s.core.Activate(tag) }

// Deactivate marks the service idle.
func (s *Service) Deactivate(tag string) bool { return s.core.Deactivate(tag) }

// Stop cancels the in-flight synthesis; the caller interrupted the reply.
func (s *Service) Stop(tag string) bool { return s.core.Stop(tag) }

// Wait blocks until the in-flight synthesis finishes.
func (s *Service) Wait(timeout *service.Timeout, tag string) bool {
	return s.core.Wait(timeout, tag)
}

// CancelScope terminates the service permanently.
func (s *Service) CancelScope() bool { return s.core.CancelScope() }

// Speak starts synthesizing one reply asynchronously. The optional watchdog
// stops the synthesis when the provider stalls between chunks.
func (s *Service) Speak(in *Input, timeout *service.RefreshableTimeout) bool {
	return s.core.ComputeAsync(in, timeout, in.Tag)
}

// ─── Lifecycle hooks ──────────────────────────────────────────────────────────

// OnActivate implements [service.Hooks]. Provider connections are opened per
// synthesis, so activation has nothing to acquire.
func (s *Service) OnActivate(context.Context) error { return nil }

// OnDeactivate implements [service.Hooks].
func (s *Service) OnDeactivate(context.Context) error { return nil }

// OnCompute implements [service.Hooks]: stream one reply's synthesis.
func (s *Service) OnCompute(ctx context.Context, input any) error {
	in, ok := input.(*Input)
	if !ok {
		return fmt.Errorf("tts: unexpected input type %T", input)
	}
	if in.Text == nil {
		return fmt.Errorf("tts: nil text channel (tag %q)", in.Tag)
	}

	audio, err := s.provider.SynthesizeStream(ctx, in.Text, in.Voice)
	if err != nil {
		return fmt.Errorf("starting synthesis: %w", err)
	}

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm, ok := <-audio:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.core.Results().Invoke(ctx, &Speech{Seq: seq, Last: true, Tag: in.Tag}, s.core.Scope())
				s.log.Debug("synthesis complete", "tag", in.Tag, "chunks", seq)
				return nil
			}
			s.core.Results().Invoke(ctx, &Speech{PCM: pcm, Seq: seq, Tag: in.Tag}, s.core.Scope())
			seq++
			s.core.ResetTimeout()
		}
	}
}
