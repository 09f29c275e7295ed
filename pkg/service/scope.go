// Package service implements the reusable asynchronous service core shared by
// every streaming provider adapter in Vocalis.
//
// A [Service] owns at most one in-flight computation at a time and moves
// through a small lifecycle: activate → compute → (wait | stop) → deactivate.
// All work a service schedules runs inside a [Scope], a supervised task group
// whose children are isolated from each other's failures. Results and errors
// are dispatched through [Registry] callback sets rather than return values,
// so callers observe a computation purely through its callbacks.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Scope is a supervised task group. Every child task spawned through
// [Scope.Go] shares the scope's context; cancelling the scope cancels all
// children, but a child that fails (or panics) never affects its siblings.
//
// A scope is terminal: once cancelled it cannot be reused, and services bound
// to it refuse further activation. One scope is typically shared by all
// instances of a service family (speech-to-text, LLM, playback).
type Scope struct {
	name   string
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup
	cancelled atomic.Bool
}

// NewScope creates a named scope rooted in ctx. A nil ctx is treated as
// context.Background().
func NewScope(ctx context.Context, name string) *Scope {
	if ctx == nil {
		ctx = context.Background()
	}
	child, cancel := context.WithCancel(ctx)
	return &Scope{
		name:   name,
		log:    slog.With("component", "scope", "scope", name),
		ctx:    child,
		cancel: cancel,
	}
}

// Go spawns a child task on the scope. The task receives the scope context
// and is expected to return promptly once that context is cancelled.
//
// Supervisor semantics: a panic inside fn is recovered and logged; it does
// not cancel the scope or any sibling task. Tasks spawned after the scope is
// cancelled are rejected.
func (s *Scope) Go(task string, fn func(ctx context.Context)) bool {
	if s.cancelled.Load() {
		s.log.Warn("task rejected: scope is cancelled", "task", task)
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task panicked", "task", task, "panic", r)
			}
		}()
		fn(s.ctx)
	}()
	return true
}

// Context returns the scope's context. Blocking work run on behalf of the
// scope should select on its Done channel.
func (s *Scope) Context() context.Context { return s.ctx }

// Done returns a channel closed when the scope is cancelled.
func (s *Scope) Done() <-chan struct{} { return s.ctx.Done() }

// Cancel terminates the scope: the shared context is cancelled and all child
// tasks are asked to stop. Cancel is idempotent and permanent.
func (s *Scope) Cancel() {
	if s.cancelled.CompareAndSwap(false, true) {
		s.log.Debug("scope cancelled")
	}
	s.cancel()
}

// Cancelled reports whether Cancel has been called.
func (s *Scope) Cancelled() bool { return s.cancelled.Load() }

// Wait blocks until every child task spawned through Go has returned.
func (s *Scope) Wait() { s.wg.Wait() }
