package transcribe

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vocalis-ai/vocalis/pkg/service"
)

const (
	// MinPartialWords is the number of words a partial result must reach
	// before the speech-started edge is emitted.
	MinPartialWords = 4

	// BufferingWindow is how long the merger holds a final result, waiting
	// for a follow-up final to merge with, before fanning it out.
	BufferingWindow = 1000 * time.Millisecond
)

// Merger fuses the provider's partial/final result stream into debounced
// [Transcription] fan-outs.
//
// Providers emit finals in bursts: a sentence often arrives as several final
// results a few hundred milliseconds apart. Each final is merged into a
// buffer and a fresh debounce window is armed; only when a window elapses
// with the caller silent does the buffer flush. Partial results mark the
// caller as speaking (suppressing any armed flush) and, once enough words
// accumulate, emit the speech-started edge exactly once per utterance.
type Merger struct {
	log          *slog.Logger
	scope        *service.Scope
	resetTimeout func()
	baseMillis   func() int64
	results      *service.Registry
	started      *service.Registry

	speaking atomic.Bool

	// mu serializes buffer and debounce-job state. Fan-out of a flushed
	// buffer can therefore never race a subsequent merge of the same text.
	mu              sync.Mutex
	buffered        Transcription
	cancelJob       context.CancelFunc
	jobSeq          uint64
	startedNotified bool
}

// NewMerger wires a merger to its service surroundings: the scope debounce
// jobs run on, the watchdog refresh hook, the audio-stream epoch used to
// absolutize provider-relative times, and the two fan-out registries.
func NewMerger(
	scope *service.Scope,
	resetTimeout func(),
	baseMillis func() int64,
	results, started *service.Registry,
) *Merger {
	return &Merger{
		log:          slog.With("component", "transcribe.merger"),
		scope:        scope,
		resetTimeout: resetTimeout,
		baseMillis:   baseMillis,
		results:      results,
		started:      started,
		buffered:     NewTranscription(),
	}
}

// OnResults processes one batch of provider results under the given source
// tag. Every batch refreshes the service watchdog.
func (m *Merger) OnResults(batch []Result, tag string) {
	if len(batch) == 0 {
		return
	}
	m.resetTimeout()

	finals := make([]Result, 0, len(batch))
	for _, r := range batch {
		if !r.IsPartial {
			finals = append(finals, r)
		}
	}

	if len(finals) == 0 {
		m.onPartials(batch, tag)
		return
	}
	m.onFinals(finals, tag)
}

// onPartials marks the caller as speaking and emits the speech-started edge
// once the longest alternative has accumulated enough words.
func (m *Merger) onPartials(batch []Result, tag string) {
	m.speaking.Store(true)

	longest := 0
	for _, r := range batch {
		for _, alt := range r.Alternatives {
			if n := wordCount(alt.Text); n > longest {
				longest = n
			}
		}
	}

	m.mu.Lock()
	notify := !m.startedNotified && longest >= MinPartialWords
	if notify {
		m.startedNotified = true
	}
	m.mu.Unlock()

	if notify {
		m.log.Debug("speech started", "tag", tag, "words", longest)
		m.started.Invoke(m.scope.Context(), &SpeechStarted{Tag: tag}, m.scope)
	}
}

// onFinals merges the best alternative of the batch into the buffer and
// re-arms the debounce window.
func (m *Merger) onFinals(finals []Result, tag string) {
	base := m.baseMillis()
	best := NewTranscription()
	for _, r := range finals {
		for _, alt := range r.Alternatives {
			t := parseAlternative(alt, base, tag)
			if best.Empty() || t.Confidence > best.Confidence {
				best = t
			}
		}
	}
	if best.Empty() {
		return
	}

	m.mu.Lock()
	m.buffered.Merge(best)
	if m.cancelJob != nil {
		m.cancelJob()
	}
	m.startedNotified = false
	m.speaking.Store(false)

	jctx, cancel := context.WithCancel(context.Background())
	m.cancelJob = cancel
	m.jobSeq++
	seq := m.jobSeq
	m.mu.Unlock()

	m.scope.Go("transcription-debounce", func(ctx context.Context) {
		defer cancel()
		select {
		case <-time.After(BufferingWindow):
		case <-jctx.Done():
			return
		case <-ctx.Done():
			return
		}
		// If the caller resumed speaking during the window, the next final
		// will arm a new window and merge the buffered text then.
		if m.speaking.Load() {
			return
		}
		m.flush(ctx, seq)
	})
}

// flush atomically takes the buffer and fans it out, provided the debounce
// job that woke up is still the current one.
func (m *Merger) flush(ctx context.Context, seq uint64) {
	m.mu.Lock()
	if seq != m.jobSeq || m.buffered.Empty() {
		m.mu.Unlock()
		return
	}
	out := m.buffered
	m.buffered.Reset()
	m.cancelJob = nil
	m.mu.Unlock()

	m.log.Debug("flushing buffered transcription", "tag", out.Tag, "words", out.WordCount())
	m.results.Invoke(ctx, &out, m.scope)
}

// CancelPending drops any armed debounce window and clears the buffer. Used
// by the service's stop path.
func (m *Merger) CancelPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelJob != nil {
		m.cancelJob()
		m.cancelJob = nil
	}
	m.jobSeq++
	m.buffered.Reset()
	m.startedNotified = false
	m.speaking.Store(false)
}

// parseAlternative converts a provider alternative into a [Transcription].
// Confidence is the arithmetic mean of the known token confidences, unknown
// when no token reports one. Times are the extremes of the known token
// times, absolutized against base.
func parseAlternative(alt Alternative, base int64, tag string) Transcription {
	t := NewTranscription()
	t.Text = alt.Text
	t.Tag = tag

	var confSum float64
	var confN int
	for _, item := range alt.Items {
		if item.Confidence != UnknownConfidence {
			confSum += item.Confidence
			confN++
		}
		if start := checkTime(item.StartSeconds, base); start != UnknownMillis {
			if t.StartMillis == UnknownMillis || start < t.StartMillis {
				t.StartMillis = start
			}
		}
		if end := checkTime(item.EndSeconds, base); end != UnknownMillis {
			if t.EndMillis == UnknownMillis || end > t.EndMillis {
				t.EndMillis = end
			}
		}
	}
	if confN > 0 {
		t.Confidence = confSum / float64(confN)
	}
	return t
}

// wordCount counts whitespace-separated words.
func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r':
			inWord = false
		default:
			if !inWord {
				n++
			}
			inWord = true
		}
	}
	return n
}
