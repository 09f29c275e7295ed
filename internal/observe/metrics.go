// Package observe provides observability primitives for the Vocalis call
// pipeline: OpenTelemetry metric instruments and a Prometheus exporter bridge
// so metrics remain scrapable via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Vocalis metrics.
const meterName = "github.com/vocalis-ai/vocalis"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeLatency tracks time from audio start to a merged utterance.
	TranscribeLatency metric.Float64Histogram

	// LLMLatency tracks model-turn latency as reported by the provider.
	LLMLatency metric.Float64Histogram

	// TTSLatency tracks time from reply text to the terminal audio chunk.
	TTSLatency metric.Float64Histogram

	// TurnLatency tracks end-to-end caller-utterance-to-first-audio latency.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// Utterances counts merged caller utterances delivered to the pipeline.
	Utterances metric.Int64Counter

	// ModelTurns counts model turns. Use with attribute:
	//   attribute.String("status", "ok"|"cancelled"|"error")
	ModelTurns metric.Int64Counter

	// ModelTokens counts tokens exchanged with the model. Use with attribute:
	//   attribute.String("direction", "input"|"output")
	ModelTokens metric.Int64Counter

	// Interruptions counts replies cut short because the caller spoke.
	Interruptions metric.Int64Counter

	// ServiceErrors counts operational service failures. Use with attributes:
	//   attribute.String("service", ...), attribute.String("source", ...)
	ServiceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeLatency, err = m.Float64Histogram("vocalis.transcribe.latency",
		metric.WithDescription("Latency from audio start to a merged utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMLatency, err = m.Float64Histogram("vocalis.llm.latency",
		metric.WithDescription("Model-turn latency as reported by the provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSLatency, err = m.Float64Histogram("vocalis.tts.latency",
		metric.WithDescription("Latency from reply text to the terminal audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("vocalis.turn.latency",
		metric.WithDescription("End-to-end caller-utterance-to-first-audio latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("vocalis.utterances",
		metric.WithDescription("Total merged caller utterances."),
	); err != nil {
		return nil, err
	}
	if met.ModelTurns, err = m.Int64Counter("vocalis.model.turns",
		metric.WithDescription("Total model turns by status."),
	); err != nil {
		return nil, err
	}
	if met.ModelTokens, err = m.Int64Counter("vocalis.model.tokens",
		metric.WithDescription("Total model tokens by direction."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("vocalis.interruptions",
		metric.WithDescription("Total replies interrupted by the caller."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("vocalis.service.errors",
		metric.WithDescription("Total operational service failures by service and source."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("vocalis.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordModelTurn records a model turn completion with its status.
func (m *Metrics) RecordModelTurn(ctx context.Context, status string) {
	m.ModelTurns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordModelTokens records the token usage of one model turn.
func (m *Metrics) RecordModelTokens(ctx context.Context, input, output int64) {
	m.ModelTokens.Add(ctx, input,
		metric.WithAttributes(attribute.String("direction", "input")),
	)
	m.ModelTokens.Add(ctx, output,
		metric.WithAttributes(attribute.String("direction", "output")),
	)
}

// RecordServiceError records an operational service failure.
func (m *Metrics) RecordServiceError(ctx context.Context, service, source string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("source", source),
		),
	)
}
