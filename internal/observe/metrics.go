// Package observe provides application-wide observability primitives for
// rememberme: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus via [InitProvider]. Tests should use [NewMetrics] with their
// own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/rememberme"

// Flush outcomes recorded on SegmentsFlushed.
const (
	OutcomeDispatched = "dispatched"
	OutcomeDiscarded  = "discarded"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// FramesProcessed counts audio frames fed to the segmentation engine.
	// Attribute: speech ("true"/"false").
	FramesProcessed metric.Int64Counter

	// SegmentsFlushed counts buffers leaving the Recording state.
	// Attribute: outcome (dispatched|discarded).
	SegmentsFlushed metric.Int64Counter

	// StageDuration tracks per-stage dispatch latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// DispatchFailures counts dispatches aborted by a failing stage.
	// Attribute: stage.
	DispatchFailures metric.Int64Counter

	// DispatchInflight is the number of segments currently being processed.
	DispatchInflight metric.Int64UpDownCounter

	// ActiveTracks is the number of tracks with a running consumer.
	ActiveTracks metric.Int64UpDownCounter

	// ProviderRequests counts provider API calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// ToolCalls counts MCP tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, route, status.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets covers everything from a WAV encode (milliseconds) to a slow
// LLM completion (tens of seconds).
var stageBuckets = []float64{
	0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("rememberme.frames.processed",
		metric.WithDescription("Audio frames classified by the segmentation engine."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsFlushed, err = m.Int64Counter("rememberme.segments.flushed",
		metric.WithDescription("Conversation buffers flushed, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("rememberme.dispatch.stage.duration",
		metric.WithDescription("Latency of each dispatch stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchFailures, err = m.Int64Counter("rememberme.dispatch.failures",
		metric.WithDescription("Dispatches aborted, by failing stage."),
	); err != nil {
		return nil, err
	}
	if met.DispatchInflight, err = m.Int64UpDownCounter("rememberme.dispatch.inflight",
		metric.WithDescription("Segments currently being transcribed, summarised or persisted."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTracks, err = m.Int64UpDownCounter("rememberme.active_tracks",
		metric.WithDescription("Audio tracks with a running segmentation consumer."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("rememberme.provider.requests",
		metric.WithDescription("Provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("rememberme.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("rememberme.tool.calls",
		metric.WithDescription("MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("rememberme.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one classified frame.
func (m *Metrics) RecordFrame(ctx context.Context, speech bool) {
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("speech", strconv.FormatBool(speech))))
}

// RecordFlush counts one flushed buffer with the given outcome.
func (m *Metrics) RecordFlush(ctx context.Context, outcome string) {
	m.SegmentsFlushed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStage records the duration of one dispatch stage in seconds.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDispatchFailure counts a dispatch aborted at stage.
func (m *Metrics) RecordDispatchFailure(ctx context.Context, stage string) {
	m.DispatchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordToolCall records an MCP tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
