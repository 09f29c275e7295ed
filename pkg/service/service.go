package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Hooks is the implementer surface of a [Service]. A provider adapter
// supplies the three mandatory lifecycle bodies; the service core supplies
// state checking, scheduling, watchdog supervision, and error classification
// around them.
//
// OnCompute runs as a child task of the service scope and must honour ctx
// cancellation at its suspension points (network reads, sleeps). The other
// hooks run synchronously on the caller.
type Hooks interface {
	// OnActivate acquires the resources shared by all computations of the
	// instance (typically a provider client).
	OnActivate(ctx context.Context) error

	// OnCompute performs one computation. Results are delivered through the
	// service's callback registries, never returned.
	OnCompute(ctx context.Context, input any) error

	// OnDeactivate releases what OnActivate acquired.
	OnDeactivate(ctx context.Context) error
}

// StopHook is an optional extension of [Hooks]. OnStop runs synchronously
// inside [Service.Stop] after the computation task has been asked to cancel,
// giving the implementer a place to tear down provider-side streams.
type StopHook interface {
	OnStop(ctx context.Context) error
}

// WaitHook is an optional extension of [Hooks]. OnWait runs synchronously at
// the start of [Service.Wait].
type WaitHook interface {
	OnWait(ctx context.Context) error
}

// Service is a reusable asynchronous service: a lifecycle state machine that
// may be activated and deactivated repeatedly and serializes one computation
// at a time.
//
// The observable state is the pair (active, computing) plus the terminal
// scopeCancelled flag. Legal states are idle (F,F), ready (T,F) and running
// (T,T); all operations are idempotent with respect to wrong-state
// invocations — they log and return false instead of failing hard.
//
// External observers may poll the state through [Service.Active],
// [Service.Computing] and [Service.ScopeCancelled]; the flags are plain
// atomics.
type Service struct {
	name  string
	log   *slog.Logger
	hooks Hooks
	scope *Scope

	results *Registry
	errors  *Registry

	// mu guards lifecycle transitions (the check-transition-set pattern).
	// The flags themselves stay atomic so observers never need the lock.
	mu             sync.Mutex
	active         atomic.Bool
	computing      atomic.Bool
	scopeCancelled atomic.Bool
	lastReset      atomic.Int64

	computeCancel context.CancelFunc
	computeDone   chan struct{}
}

// Option configures a Service during construction.
type Option func(*Service)

// WithScope binds the service to an existing scope. Services of one family
// (all speech-to-text instances, all LLM instances) conventionally share a
// scope so that cancelling the family cancels every in-flight task.
func WithScope(s *Scope) Option {
	return func(svc *Service) { svc.scope = s }
}

// WithLogger overrides the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(svc *Service) { svc.log = l }
}

// New constructs a Service around the given hooks. If no scope is supplied a
// private one is created.
func New(name string, hooks Hooks, opts ...Option) *Service {
	svc := &Service{
		name:    name,
		hooks:   hooks,
		results: NewRegistry(name + ".results"),
		errors:  NewRegistry(name + ".errors"),
	}
	for _, o := range opts {
		o(svc)
	}
	if svc.scope == nil {
		svc.scope = NewScope(context.Background(), name)
	}
	if svc.log == nil {
		svc.log = slog.With("component", "service", "service", name)
	}
	return svc
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Results returns the registry that receives successful computation outputs.
func (s *Service) Results() *Registry { return s.results }

// Errors returns the registry that receives classified [Error] records.
func (s *Service) Errors() *Registry { return s.errors }

// Scope returns the task group all service work runs on.
func (s *Service) Scope() *Scope { return s.scope }

// Active reports whether the service has been activated.
func (s *Service) Active() bool { return s.active.Load() }

// Computing reports whether a computation task is in flight. After
// [Service.Stop] the flag is cleared by the computation task itself, so a
// poll immediately after Stop may still briefly observe true.
func (s *Service) Computing() bool { return s.computing.Load() }

// ScopeCancelled reports whether [Service.CancelScope] has been called.
func (s *Service) ScopeCancelled() bool { return s.scopeCancelled.Load() }

// ─── Lifecycle operations ─────────────────────────────────────────────────────

// Activate runs the implementer's initialization and marks the service
// ready. Returns false, without invoking the hook, when the service is
// already active or its scope has been cancelled.
//
// The activation hook runs synchronously on the caller; a failure is
// classified with source ACTIVATING and fanned out inline.
func (s *Service) Activate(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scopeCancelled.Load() {
		s.log.Warn("activate refused: scope is cancelled", "tag", tag)
		return false
	}
	if s.active.Load() {
		s.log.Warn("activate refused: already active", "tag", tag)
		return false
	}
	if err := s.hooks.OnActivate(s.scope.Context()); err != nil {
		s.handleFailure(err, SourceActivating, tag, nil)
		return false
	}
	s.active.Store(true)
	s.log.Info("activated", "tag", tag)
	return true
}

// ComputeAsync starts one computation task, and a watchdog task when a
// refreshable timeout is supplied. It returns true if the computation was
// started; the computation's outcome is only ever observable through the
// result and error registries.
//
// Refused (with a warning) when the service is not active or a computation
// is already in flight.
func (s *Service) ComputeAsync(input any, timeout *RefreshableTimeout, tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		s.log.Warn("compute refused: not active", "tag", tag)
		return false
	}
	if s.computing.Load() {
		s.log.Warn("compute refused: computation already in flight", "tag", tag)
		return false
	}

	ctx, cancel := context.WithCancel(s.scope.Context())
	done := make(chan struct{})
	s.computeCancel = cancel
	s.computeDone = done
	s.computing.Store(true)
	s.lastReset.Store(time.Now().UnixMilli())

	started := s.scope.Go("compute:"+s.name, func(context.Context) {
		defer close(done)
		start := time.Now()
		err := s.hooks.OnCompute(ctx, input)
		elapsed := time.Since(start)
		if err != nil {
			s.handleFailure(err, SourceComputing, tag, s.scope)
		}
		s.log.Info("computation finished", "tag", tag, "elapsed", elapsed, "failed", err != nil)
		s.computing.Store(false)
	})
	if !started {
		// Scope died between the flag check and the spawn.
		s.computing.Store(false)
		cancel()
		return false
	}

	if timeout != nil {
		s.scope.Go("watchdog:"+s.name, func(wctx context.Context) {
			s.runWatchdog(wctx, done, timeout, tag)
		})
	}

	s.log.Info("computation started", "tag", tag, "watchdog", timeout != nil)
	return true
}

// runWatchdog polls the refreshable deadline every check period. On breach it
// stops the computation and fires the timeout callback exactly once, then
// exits. It exits silently when the computation completes first.
func (s *Service) runWatchdog(ctx context.Context, done <-chan struct{}, timeout *RefreshableTimeout, tag string) {
	ticker := time.NewTicker(timeout.CheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Now().UnixMilli() - s.lastReset.Load()
			if idle < timeout.Deadline.Milliseconds() {
				continue
			}
			s.log.Warn("watchdog deadline breached",
				"tag", tag,
				"idle_ms", idle,
				"deadline", timeout.Deadline,
			)
			s.Stop(tag)
			if timeout.Callback != nil {
				timeout.Callback(ctx, tag)
			}
			return
		}
	}
}

// ResetTimeout refreshes the watchdog deadline. Computation bodies call this
// at quiescence points; a missed refresh costs at most one extra check
// period before an incorrect cancellation, never more.
func (s *Service) ResetTimeout() {
	s.lastReset.Store(time.Now().UnixMilli())
}

// Wait suspends the caller until the in-flight computation finishes. With a
// timeout, the join is raced against the deadline; on loss the computation
// is stopped and the timeout callback fires. Returns true if the computation
// completed, false on refusal, timeout, or scope cancellation.
func (s *Service) Wait(timeout *Timeout, tag string) bool {
	s.mu.Lock()
	if !s.computing.Load() {
		s.mu.Unlock()
		s.log.Warn("wait refused: no computation in flight", "tag", tag)
		return false
	}
	done := s.computeDone
	s.mu.Unlock()

	if wh, ok := s.hooks.(WaitHook); ok {
		if err := wh.OnWait(s.scope.Context()); err != nil {
			s.handleFailure(err, SourceWaiting, tag, nil)
		}
	}

	if timeout == nil {
		select {
		case <-done:
			return true
		case <-s.scope.Done():
			// Scope cancellation during a wait is a cancellation, not an error.
			s.log.Debug("wait interrupted: scope cancelled", "tag", tag)
			return false
		}
	}

	deadline := time.NewTimer(timeout.Deadline)
	defer deadline.Stop()
	select {
	case <-done:
		return true
	case <-s.scope.Done():
		s.log.Debug("wait interrupted: scope cancelled", "tag", tag)
		return false
	case <-deadline.C:
		s.log.Warn("wait deadline reached", "tag", tag, "deadline", timeout.Deadline)
		s.Stop(tag)
		if timeout.Callback != nil {
			timeout.Callback(s.scope.Context(), tag)
		}
		return false
	}
}

// Stop requests cancellation of the in-flight computation and its watchdog.
// It does not wait for quiescence — follow with [Service.Wait] if needed.
// The computing flag is cleared by the computation task on exit, so it may
// remain true for a short moment after Stop returns.
func (s *Service) Stop(tag string) bool {
	s.mu.Lock()
	if !s.computing.Load() {
		s.mu.Unlock()
		s.log.Warn("stop refused: no computation in flight", "tag", tag)
		return false
	}
	cancel := s.computeCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sh, ok := s.hooks.(StopHook); ok {
		if err := sh.OnStop(s.scope.Context()); err != nil {
			s.handleFailure(err, SourceStopping, tag, nil)
		}
	}
	s.log.Info("stop requested", "tag", tag)
	return true
}

// Deactivate runs the implementer's teardown and marks the service idle.
// Refused while a computation is in flight or when not active.
func (s *Service) Deactivate(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		s.log.Warn("deactivate refused: not active", "tag", tag)
		return false
	}
	if s.computing.Load() {
		s.log.Warn("deactivate refused: computation in flight", "tag", tag)
		return false
	}
	if err := s.hooks.OnDeactivate(s.scope.Context()); err != nil {
		s.handleFailure(err, SourceDeactivating, tag, nil)
		return false
	}
	s.active.Store(false)
	s.log.Info("deactivated", "tag", tag)
	return true
}

// CancelScope terminates the task group permanently. Refused while a
// computation is in flight. After CancelScope no activation is possible on
// this instance.
func (s *Service) CancelScope() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.computing.Load() {
		s.log.Warn("cancel scope refused: computation in flight")
		return false
	}
	s.scopeCancelled.Store(true)
	s.scope.Cancel()
	s.log.Info("scope cancelled permanently")
	return true
}

// handleFailure is the single point every hook failure passes through.
// Cancellations are logged quietly and swallowed; operational failures are
// fanned out through the error registry — on the given scope when non-nil,
// inline on the caller otherwise.
func (s *Service) handleFailure(err error, source ErrorSource, tag string, scope *Scope) {
	switch classify(err) {
	case severityCancelled:
		s.log.Debug("cancellation observed", "source", source.String(), "tag", tag, "cause", err)
	case severityOperational:
		s.log.Error("operation failed",
			"source", source.String(),
			"tag", tag,
			"error", err,
		)
		s.errors.Invoke(s.scope.Context(), &Error{Cause: err, Source: source, Tag: tag}, scope)
	}
}
