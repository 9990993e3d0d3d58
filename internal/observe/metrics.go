// Package observe provides application-wide observability primitives for
// parley: OpenTelemetry metrics, tracing of speech turns, structured logging
// helpers and HTTP middleware for the diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// ChannelConnectDuration tracks how long a channel dial took. Use with
	// attribute.String("channel", ...).
	ChannelConnectDuration metric.Float64Histogram

	// FirstAudioDuration tracks the time from a ready message to the first
	// audio chunk of the turn.
	FirstAudioDuration metric.Float64Histogram

	// TurnDuration tracks a speech turn from ready to end. Use with
	// attribute.String("mode", ...).
	TurnDuration metric.Float64Histogram

	// SynthesisStartDuration tracks how long the fallback synthesizer took to
	// start speaking.
	SynthesisStartDuration metric.Float64Histogram

	// --- Counters ---

	// ChannelReconnects counts reconnect attempts. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("status", ...)
	ChannelReconnects metric.Int64Counter

	// ChannelMessages counts control messages. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("direction", ...), attribute.String("type", ...)
	ChannelMessages metric.Int64Counter

	// DroppedFrames counts discarded audio frames and messages. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("reason", ...)
	DroppedFrames metric.Int64Counter

	// CaptureFrames counts encoded microphone frames.
	CaptureFrames metric.Int64Counter

	// PlaybackDowngrades counts streaming sessions that fell back to
	// buffered playback. Use with attribute.String("mime", ...).
	PlaybackDowngrades metric.Int64Counter

	// FallbackUtterances counts synthesized-voice fallbacks. Use with
	// attribute.String("outcome", ...).
	FallbackUtterances metric.Int64Counter

	// --- Gauges ---

	// ConnectedChannels tracks the number of open channels.
	ConnectedChannels metric.Int64UpDownCounter

	// ActiveSessions tracks the number of open interview sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// interactive audio latencies.
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
	if met.ChannelConnectDuration, err = m.Float64Histogram("parley.channel.connect.duration",
		metric.WithDescription("Latency of establishing a channel connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioDuration, err = m.Float64Histogram("parley.speech.first_audio.duration",
		metric.WithDescription("Time from ready to the first audio chunk of a turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.speech.turn.duration",
		metric.WithDescription("Duration of a speech turn from ready to end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisStartDuration, err = m.Float64Histogram("parley.fallback.start.duration",
		metric.WithDescription("Latency until fallback speech synthesis starts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChannelReconnects, err = m.Int64Counter("parley.channel.reconnects",
		metric.WithDescription("Total channel connection attempts by channel and status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelMessages, err = m.Int64Counter("parley.channel.messages",
		metric.WithDescription("Total control messages by channel, direction and type."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.channel.dropped",
		metric.WithDescription("Total dropped audio frames and messages by channel and reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total encoded microphone frames."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDowngrades, err = m.Int64Counter("parley.playback.downgrades",
		metric.WithDescription("Total streaming sessions that fell back to buffered playback."),
	); err != nil {
		return nil, err
	}
	if met.FallbackUtterances, err = m.Int64Counter("parley.fallback.utterances",
		metric.WithDescription("Total synthesized-voice fallbacks by outcome."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ConnectedChannels, err = m.Int64UpDownCounter("parley.channel.connected",
		metric.WithDescription("Number of currently open channels."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of open interview sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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

// RecordReconnect records one connection attempt of channel with status
// "ok" or "error".
func (m *Metrics) RecordReconnect(ctx context.Context, channel, status string) {
	m.ChannelReconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		),
	)
}

// RecordMessage records a control message of the given type flowing in
// direction ("in" or "out") on channel.
func (m *Metrics) RecordMessage(ctx context.Context, channel, direction, typ string) {
	m.ChannelMessages.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("direction", direction),
			attribute.String("type", typ),
		),
	)
}

// RecordDrop records a discarded frame or message.
func (m *Metrics) RecordDrop(ctx context.Context, channel, reason string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		),
	)
}

// RecordFallback records a synthesized-voice fallback with its outcome.
func (m *Metrics) RecordFallback(ctx context.Context, outcome string) {
	m.FallbackUtterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
