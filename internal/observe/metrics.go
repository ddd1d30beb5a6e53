// Package observe provides application-wide observability primitives for
// Cinder: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Cinder metrics.
const meterName = "github.com/cinderaudio/cinder"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ArmDuration tracks the time from a play command to the first audio
	// frame reaching the voice transport.
	ArmDuration metric.Float64Histogram

	// LoadDuration tracks /loadtracks resolution latency.
	LoadDuration metric.Float64Histogram

	// --- Counters ---

	// TrackEvents counts player events pushed to clients. Use with attribute:
	//   attribute.String("type", ...)
	TrackEvents metric.Int64Counter

	// VoiceConnections counts voice gateway handshakes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	VoiceConnections metric.Int64Counter

	// FFmpegSpawns counts transcode pipelines launched.
	FFmpegSpawns metric.Int64Counter

	// --- Gauges ---

	// ActivePlayers tracks the number of live queues across all workers.
	ActivePlayers metric.Int64UpDownCounter

	// ConnectedClients tracks the number of open control sockets.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// source resolution and pipeline arm times.
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
	if met.ArmDuration, err = m.Float64Histogram("cinder.arm.duration",
		metric.WithDescription("Time from play command to first delivered frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LoadDuration, err = m.Float64Histogram("cinder.load.duration",
		metric.WithDescription("Latency of track resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TrackEvents, err = m.Int64Counter("cinder.track.events",
		metric.WithDescription("Total player events by event type."),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnections, err = m.Int64Counter("cinder.voice.connections",
		metric.WithDescription("Total voice gateway handshakes by status."),
	); err != nil {
		return nil, err
	}
	if met.FFmpegSpawns, err = m.Int64Counter("cinder.ffmpeg.spawns",
		metric.WithDescription("Total transcode pipelines launched."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActivePlayers, err = m.Int64UpDownCounter("cinder.active_players",
		metric.WithDescription("Number of live queues across all workers."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("cinder.connected_clients",
		metric.WithDescription("Number of open control sockets."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cinder.http.request.duration",
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

// RecordTrackEvent records one player event of the given type.
func (m *Metrics) RecordTrackEvent(ctx context.Context, eventType string) {
	m.TrackEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordVoiceConnection records a voice handshake outcome.
func (m *Metrics) RecordVoiceConnection(ctx context.Context, status string) {
	m.VoiceConnections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
