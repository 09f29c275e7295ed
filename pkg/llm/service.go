package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

// Service adapts a [Provider] to the reusable service lifecycle. One
// computation is one model turn: the request streams through the provider,
// an [aggregator] folds the deltas, and exactly one [Response] is fanned out
// on clean completion.
type Service struct {
	core *service.Service
	log  *slog.Logger

	provider Provider
}

// ServiceOption configures an LLM service.
type ServiceOption func(*Service)

// WithScope binds the service to an existing task scope.
func WithScope(scope *service.Scope) ServiceOption {
	return func(s *Service) { s.core = service.New("llm", s, service.WithScope(scope)) }
}

// NewService builds an LLM service on top of the given provider.
func NewService(provider Provider, opts ...ServiceOption) *Service {
	s := &Service{
		log:      slog.With("component", "llm.service"),
		provider: provider,
	}
	for _, o := range opts {
		o(s)
	}
	if s.core == nil {
		s.core = service.New("llm", s)
	}
	return s
}

// Results returns the registry receiving [Response] values.
func (s *Service) Results() *service.Registry { return s.core.Results() }

// Errors returns the registry receiving classified service errors.
func (s *Service) Errors() *service.Registry { return s.core.Errors() }

// Active reports whether the service has been activated.
func (s *Service) Active() bool { return s.core.Active() }

// Computing reports whether a model turn is in flight.
func (s *Service) Computing() bool { return s.core.Computing() }

// Activate acquires the provider client.
func (s *Service) Activate(tag string) bool { return s.core.Activate(tag) }

// Deactivate releases the provider client.
func (s *Service) Deactivate(tag string) bool { return s.core.Deactivate(tag) }

// Stop cancels the in-flight model turn. The turn's aggregated text is
// discarded, never fanned out.
func (s *Service) Stop(tag string) bool { return s.core.Stop(tag) }

// Wait blocks until the in-flight model turn finishes.
func (s *Service) Wait(timeout *service.Timeout, tag string) bool {
	return s.core.Wait(timeout, tag)
}

// CancelScope terminates the service permanently.
func (s *Service) CancelScope() bool { return s.core.CancelScope() }

// Converse starts one model turn asynchronously. The optional watchdog stops
// the turn when the provider stalls between deltas for longer than its
// deadline.
func (s *Service) Converse(req *Request, timeout *service.RefreshableTimeout) bool {
	return s.core.ComputeAsync(req, timeout, req.Tag)
}

// ─── Lifecycle hooks ──────────────────────────────────────────────────────────

// OnActivate implements [service.Hooks].
func (s *Service) OnActivate(ctx context.Context) error {
	return s.provider.Activate(ctx)
}

// OnDeactivate implements [service.Hooks].
func (s *Service) OnDeactivate(ctx context.Context) error {
	return s.provider.Deactivate(ctx)
}

// OnCompute implements [service.Hooks]: stream one turn to completion.
//
// The post-stream cancellation check is load-bearing: Stop may have fired
// after the provider's final event but before this hook observed it, and a
// stopped turn must never surface a result.
func (s *Service) OnCompute(ctx context.Context, input any) error {
	req, ok := input.(*Request)
	if !ok {
		return fmt.Errorf("llm: unexpected input type %T", input)
	}
	if req.ModelName == "" {
		return fmt.Errorf("llm: request has no model name (tag %q)", req.Tag)
	}

	agg := newAggregator(s.core.ResetTimeout)
	if err := s.provider.Converse(ctx, req, agg); err != nil {
		return fmt.Errorf("model turn failed: %w", err)
	}
	if ctx.Err() != nil {
		s.log.Debug("turn completed after cancellation, discarding", "tag", req.Tag)
		return nil
	}

	resp := agg.response(req.Tag)
	s.log.Info("model turn complete",
		"tag", req.Tag,
		"stop_reason", resp.StopReason,
		"latency_ms", resp.LatencyMillis,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	s.core.Results().Invoke(ctx, resp, s.core.Scope())
	return nil
}
