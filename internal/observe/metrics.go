// Package observe provides application-wide observability primitives for
// livescribe: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livescribe metrics.
const meterName = "github.com/MrWong99/livescribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Ingestion ---

	// ChunksIngested counts audio chunks accepted by an engine.
	ChunksIngested metric.Int64Counter

	// DecodeErrors counts chunks the normalizer could not decode. Use with
	// attribute.String("codec", ...).
	DecodeErrors metric.Int64Counter

	// BufferBytes tracks canonical PCM waiting to be sent to a provider.
	BufferBytes metric.Int64UpDownCounter

	// --- Provider sessions ---

	// SessionsOpened counts provider sessions. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("reason", "initial"|"rotation"|"failure")
	SessionsOpened metric.Int64Counter

	// SessionFailures counts session failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", "connect"|"send"|"receive")
	SessionFailures metric.Int64Counter

	// SessionDuration tracks how long each provider session lived.
	SessionDuration metric.Float64Histogram

	// BatchInferenceDuration tracks the latency of one batch inference call.
	BatchInferenceDuration metric.Float64Histogram

	// --- Output ---

	// FragmentsEmitted counts published transcript fragments. Use with
	// attribute.Bool("final", ...).
	FragmentsEmitted metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of live transcription engines.
	ActiveStreams metric.Int64UpDownCounter

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes attribute.String("breaker", ...), attribute.String("to", ...).
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// inference calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for provider
// session lifetimes, which are bounded by rotation.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 240, 270, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.ChunksIngested, err = m.Int64Counter("livescribe.chunks.ingested",
		metric.WithDescription("Total audio chunks accepted."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("livescribe.decode.errors",
		metric.WithDescription("Total chunks that failed decoding, by codec."),
	); err != nil {
		return nil, err
	}
	if met.SessionsOpened, err = m.Int64Counter("livescribe.sessions.opened",
		metric.WithDescription("Total provider sessions opened, by provider and reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionFailures, err = m.Int64Counter("livescribe.session.failures",
		metric.WithDescription("Total provider session failures, by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsEmitted, err = m.Int64Counter("livescribe.fragments.emitted",
		metric.WithDescription("Total transcript fragments published."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("livescribe.provider.breaker.transitions",
		metric.WithDescription("Total circuit breaker state transitions."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("livescribe.session.duration",
		metric.WithDescription("Lifetime of provider sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchInferenceDuration, err = m.Float64Histogram("livescribe.batch.inference.duration",
		metric.WithDescription("Latency of batch transcription inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.BufferBytes, err = m.Int64UpDownCounter("livescribe.buffer.bytes",
		metric.WithDescription("Canonical PCM bytes buffered ahead of the provider."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("livescribe.streams.active",
		metric.WithDescription("Number of live transcription streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livescribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSessionOpened records a provider session opening.
func (m *Metrics) RecordSessionOpened(ctx context.Context, provider, reason string) {
	m.SessionsOpened.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("reason", reason),
		),
	)
}

// RecordSessionFailure records a provider session failure.
func (m *Metrics) RecordSessionFailure(ctx context.Context, provider, kind string) {
	m.SessionFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionDuration records the lifetime of a finished session.
func (m *Metrics) RecordSessionDuration(ctx context.Context, provider string, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordDecodeError records a chunk that failed decoding.
func (m *Metrics) RecordDecodeError(ctx context.Context, codec string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("codec", codec)),
	)
}

// RecordFragment records a published transcript fragment.
func (m *Metrics) RecordFragment(ctx context.Context, provider string, final bool) {
	m.FragmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Bool("final", final),
		),
	)
}

// RecordBatchInference records the latency and outcome of a batch inference
// call.
func (m *Metrics) RecordBatchInference(ctx context.Context, provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BatchInferenceDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
