package service

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Input is any value that can be fanned out through a [Registry]. Inputs
// carry the source tag of the operation that produced them and must be
// copyable so handlers never observe mutations made by later producers.
type Input interface {
	// SourceTag returns the correlation tag of the producing operation.
	SourceTag() string

	// Copy returns a deep copy of the input.
	Copy() Input
}

// Handler consumes one callback input. Handlers registered on the same
// registry run independently: a failure or slow handler never affects its
// siblings.
type Handler func(ctx context.Context, in Input)

// Token identifies a registered handler. It is returned by [Registry.Add]
// and is the only way to remove a handler again.
type Token uint64

// Registry is a named, thread-safe set of asynchronous handlers.
//
// Invoke deep-copies its input once, then dispatches to every handler. With
// a non-nil scope each handler runs as a child task of that scope; dispatch
// order across handlers is unspecified, but invocations of a single handler
// are serialized in arrival order. With a nil scope the handlers run inline
// on the caller, which then bears the full cost.
type Registry struct {
	name string
	log  *slog.Logger

	mu       sync.Mutex
	next     Token
	handlers map[Token]*handlerEntry
}

// handlerEntry pairs a handler with its dispatch queue. Scoped fan-out
// appends to the queue and a single drainer task works it off, so each
// handler sees its inputs in arrival order even though handlers run
// concurrently with each other.
type handlerEntry struct {
	h Handler

	mu      sync.Mutex
	queue   []Input
	running bool
}

// NewRegistry creates an empty registry with the given name. The name only
// appears in logs.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:     name,
		log:      slog.With("component", "callbacks", "registry", name),
		handlers: make(map[Token]*handlerEntry),
	}
}

// Add registers h and returns its token. Handlers are never deduplicated;
// registering the same function twice yields two independent entries.
func (r *Registry) Add(h Handler) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	tok := r.next
	r.handlers[tok] = &handlerEntry{h: h}
	r.log.Debug("handler added", "token", uint64(tok), "total", len(r.handlers))
	return tok
}

// Remove unregisters the handler identified by tok. Removing an unknown
// token logs a warning and returns false.
func (r *Registry) Remove(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[tok]; !ok {
		r.log.Warn("remove: handler not registered", "token", uint64(tok))
		return false
	}
	delete(r.handlers, tok)
	return true
}

// Clear drops every registered handler.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[Token]*handlerEntry)
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

// Invoke fans in out to every registered handler.
//
// The input is copied exactly once before dispatch; all handlers share the
// copy and the producer may freely mutate the original afterwards. With a
// non-nil scope each handler is scheduled as a child task and Invoke returns
// without waiting for completion. With a nil scope the handlers run
// sequentially on the calling goroutine under ctx.
//
// Handler panics are confined to the offending handler and logged.
func (r *Registry) Invoke(ctx context.Context, in Input, scope *Scope) {
	r.mu.Lock()
	entries := make([]*handlerEntry, 0, len(r.handlers))
	for _, e := range r.handlers {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	cp := in.Copy()

	if scope == nil {
		start := time.Now()
		for _, e := range entries {
			runHandler(ctx, r.log, e, cp)
		}
		r.log.Info("callbacks invoked inline",
			"registry", r.name,
			"handlers", len(entries),
			"tag", in.SourceTag(),
			"elapsed", time.Since(start),
		)
		return
	}

	for _, e := range entries {
		r.enqueue(e, cp, scope)
	}
	r.log.Info("callbacks scheduled",
		"registry", r.name,
		"handlers", len(entries),
		"tag", in.SourceTag(),
	)
}

// enqueue appends in to the handler's queue and starts a drainer task if the
// handler is idle. At most one drainer runs per handler, which keeps the
// per-handler delivery order FIFO.
func (r *Registry) enqueue(e *handlerEntry, in Input, scope *Scope) {
	e.mu.Lock()
	e.queue = append(e.queue, in)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	started := scope.Go("callback:"+r.name, func(ctx context.Context) {
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.running = false
				e.mu.Unlock()
				return
			}
			next := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			runHandler(ctx, r.log, e, next)
		}
	})
	if !started {
		e.mu.Lock()
		e.running = false
		e.queue = nil
		e.mu.Unlock()
	}
}

// runHandler executes a single handler, recording its wall time and
// recovering panics.
func runHandler(ctx context.Context, log *slog.Logger, e *handlerEntry, in Input) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r, "tag", in.SourceTag())
		}
		log.Debug("handler finished", "tag", in.SourceTag(), "elapsed", time.Since(start))
	}()
	e.h(ctx, in)
}
