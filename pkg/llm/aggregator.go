package llm

import (
	"context"
	"log/slog"
	"strings"
)

// Visitor receives the edges of one streamed model turn, in provider order:
// MessageStart, then per content block Start/Delta*/Stop, then MessageStop,
// then Metadata. Providers call it from their streaming goroutine; a visitor
// is single-use and never called concurrently.
type Visitor interface {
	MessageStart()
	ContentBlockStart()
	ContentBlockDelta(text string)
	ContentBlockStop()
	MessageStop(stopReason string)
	Metadata(latencyMillis int64, inputTokens, outputTokens int32)
}

// Provider is a streaming model backend. Converse blocks until the turn's
// stream ends, feeding v along the way, and returns the stream's terminal
// error (nil on clean completion).
type Provider interface {
	Activate(ctx context.Context) error
	Converse(ctx context.Context, req *Request, v Visitor) error
	Deactivate(ctx context.Context) error
}

// aggregator implements [Visitor] by accumulating deltas into a buffer and
// harvesting the metadata event. Every delta refreshes the service watchdog:
// the provider may legitimately stay silent for seconds between deltas, and
// without the refresh the watchdog would cut healthy turns short.
type aggregator struct {
	log          *slog.Logger
	resetTimeout func()

	buf        strings.Builder
	stopReason string
	latency    int64
	inTokens   int32
	outTokens  int32
}

func newAggregator(resetTimeout func()) *aggregator {
	return &aggregator{
		log:          slog.With("component", "llm.aggregator"),
		resetTimeout: resetTimeout,
	}
}

func (a *aggregator) MessageStart()      {}
func (a *aggregator) ContentBlockStart() {}
func (a *aggregator) ContentBlockStop()  {}

func (a *aggregator) ContentBlockDelta(text string) {
	a.buf.WriteString(text)
	a.resetTimeout()
}

func (a *aggregator) MessageStop(stopReason string) {
	a.stopReason = stopReason
}

func (a *aggregator) Metadata(latencyMillis int64, inputTokens, outputTokens int32) {
	a.latency = latencyMillis
	a.inTokens = inputTokens
	a.outTokens = outputTokens
}

// response assembles the aggregated turn.
func (a *aggregator) response(tag string) *Response {
	return &Response{
		Message:       a.buf.String(),
		StopReason:    a.stopReason,
		LatencyMillis: a.latency,
		InputTokens:   a.inTokens,
		OutputTokens:  a.outTokens,
		Tag:           tag,
	}
}
