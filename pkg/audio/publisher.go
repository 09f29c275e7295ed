package audio

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscriber receives the chunks a [Publisher] produces. The contract is
// pull-based: nothing is delivered until the subscriber requests demand on
// the [Subscription] handed to OnSubscribe.
//
// OnNext, OnError and OnComplete are called from the subscription's pump
// goroutine, never concurrently with each other. Exactly one of OnError or
// OnComplete terminates the stream.
type Subscriber interface {
	OnSubscribe(sub *Subscription)
	OnNext(chunk Chunk)
	OnError(err error)
	OnComplete()
}

// Publisher reads fixed-size PCM chunks from a blocking byte stream and
// delivers them to a single subscriber on demand.
//
// A publisher permits one live subscription at a time: subscribing while a
// previous subscription exists cancels and replaces it. The current
// subscription is held in a [SubscriptionRegistry] so an external Stop can
// reach whatever subscription is live.
type Publisher struct {
	src       io.Reader
	chunkSize int
	registry  *SubscriptionRegistry
	log       *slog.Logger
}

// NewPublisher wraps src. chunkSize is the block size of each read; values
// below 1 fall back to [DefaultChunkSize]. registry must not be nil.
func NewPublisher(src io.Reader, chunkSize int, registry *SubscriptionRegistry) *Publisher {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &Publisher{
		src:       src,
		chunkSize: chunkSize,
		registry:  registry,
		log:       slog.With("component", "audio.publisher"),
	}
}

// Subscribe attaches sub and starts its pump goroutine. Any previous
// subscription is cancelled first. The subscriber's OnSubscribe is invoked
// before Subscribe returns.
func (p *Publisher) Subscribe(sub Subscriber) {
	s := &Subscription{
		src:       p.src,
		chunkSize: p.chunkSize,
		sub:       sub,
		registry:  p.registry,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		log:       p.log,
	}
	s.open.Store(true)

	if prev := p.registry.replace(s); prev != nil {
		p.log.Warn("replacing live audio subscription")
		prev.Cancel()
	}

	// The provider SDK reads audio on its own schedule, so the blocking
	// reads live on a dedicated goroutine instead of a service scope.
	go s.pump()
	sub.OnSubscribe(s)
}

// Subscription is the demand valve between a [Publisher] and its subscriber.
type Subscription struct {
	src       io.Reader
	chunkSize int
	sub       Subscriber
	registry  *SubscriptionRegistry
	log       *slog.Logger

	demand atomic.Int64
	open   atomic.Bool
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Request adds n to the outstanding demand and wakes the pump if it is
// parked. Non-positive n is ignored.
func (s *Subscription) Request(n int64) {
	if n <= 0 || !s.open.Load() {
		return
	}
	s.demand.Add(n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel shuts the pump down and closes the underlying stream when it is an
// io.Closer. Cancel is idempotent and clears the registry slot.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.open.Store(false)
		close(s.done)
		if c, ok := s.src.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.Warn("closing audio stream", "error", err)
			}
		}
		s.registry.clear(s)
	})
}

// pump fulfills demand with synchronous reads. It runs until the stream
// ends, a read fails, or the subscription is cancelled.
func (s *Subscription) pump() {
	buf := make([]byte, s.chunkSize)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for s.open.Load() && s.demand.Load() > 0 {
			n, err := s.src.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				s.sub.OnNext(Chunk{Data: data})
				s.demand.Add(-1)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					s.sub.OnComplete()
				} else if s.open.Load() {
					s.sub.OnError(err)
				}
				s.Cancel()
				return
			}
			if n <= 0 {
				// Zero-length read without error: treat as end-of-stream.
				s.sub.OnComplete()
				s.Cancel()
				return
			}
		}
	}
}

// SubscriptionRegistry holds the single live subscription slot for one audio
// source. It exists as an explicit value (rather than package state) so
// tests and multiple pipelines can each own one.
type SubscriptionRegistry struct {
	mu      sync.Mutex
	current *Subscription
	log     *slog.Logger
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{log: slog.With("component", "audio.subscriptions")}
}

// Stop cancels the live subscription, if any. It is the external kill switch
// used by the speech-to-text service's teardown.
func (r *SubscriptionRegistry) Stop() {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur != nil {
		cur.Cancel()
	}
}

// Active reports whether a subscription currently occupies the slot.
func (r *SubscriptionRegistry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// replace installs s as the live subscription and returns the one it
// displaced (nil when the slot was empty).
func (r *SubscriptionRegistry) replace(s *Subscription) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.current
	r.current = s
	return prev
}

// clear empties the slot if s still occupies it.
func (r *SubscriptionRegistry) clear(s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.current = nil
	}
}
