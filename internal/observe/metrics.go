// Package observe provides application-wide observability primitives for
// Earshot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Earshot metrics.
const meterName = "github.com/earshotlabs/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DecodeDuration tracks Ogg/Opus decode latency per chunk.
	DecodeDuration metric.Float64Histogram

	// VADDuration tracks voice-activity detection and segmentation latency
	// per chunk.
	VADDuration metric.Float64Histogram

	// CommitDuration tracks the dialogue-commit transaction latency per
	// chunk.
	CommitDuration metric.Float64Histogram

	// ChunkDuration tracks end-to-end chunk processing latency (file read
	// through commit).
	ChunkDuration metric.Float64Histogram

	// --- Counters ---

	// Uploads counts chunk uploads handled by the ingest API. Use with
	// attribute:
	//   attribute.String("status", "accepted"|"duplicate"|"rejected")
	Uploads metric.Int64Counter

	// UploadBytes counts accepted upload payload bytes.
	UploadBytes metric.Int64Counter

	// ChunksProcessed counts chunks finished by the worker. Use with
	// attribute:
	//   attribute.String("status", "done"|"error")
	ChunksProcessed metric.Int64Counter

	// ChunksRequeued counts chunks returned to the queue by the recovery
	// loop after a stale PROCESSING claim.
	ChunksRequeued metric.Int64Counter

	// SegmentsDetected counts speech segments produced by VAD.
	SegmentsDetected metric.Int64Counter

	// DialoguesStarted counts new dialogues opened by the stitcher.
	DialoguesStarted metric.Int64Counter

	// DialoguesExtended counts extensions of an already-open dialogue.
	DialoguesExtended metric.Int64Counter

	// StatesSwept counts stale per-device dialogue states closed by the
	// background sweep.
	StatesSwept metric.Int64Counter

	// --- Gauges ---

	// InflightChunks tracks the number of chunks currently being processed.
	InflightChunks metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// per-chunk pipeline stages, which range from milliseconds (VAD on a short
// chunk) to tens of seconds (decode of a ten-minute chunk on a loaded host).
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("earshot.decode.duration",
		metric.WithDescription("Latency of Ogg/Opus decoding per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADDuration, err = m.Float64Histogram("earshot.vad.duration",
		metric.WithDescription("Latency of voice-activity detection and segmentation per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CommitDuration, err = m.Float64Histogram("earshot.commit.duration",
		metric.WithDescription("Latency of the dialogue-commit transaction per chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDuration, err = m.Float64Histogram("earshot.chunk.duration",
		metric.WithDescription("End-to-end chunk processing latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Uploads, err = m.Int64Counter("earshot.uploads",
		metric.WithDescription("Total chunk uploads by status."),
	); err != nil {
		return nil, err
	}
	if met.UploadBytes, err = m.Int64Counter("earshot.upload.bytes",
		metric.WithDescription("Total accepted upload payload bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChunksProcessed, err = m.Int64Counter("earshot.chunks.processed",
		metric.WithDescription("Total chunks finished by the worker, by status."),
	); err != nil {
		return nil, err
	}
	if met.ChunksRequeued, err = m.Int64Counter("earshot.chunks.requeued",
		metric.WithDescription("Total chunks requeued after a stale PROCESSING claim."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDetected, err = m.Int64Counter("earshot.segments.detected",
		metric.WithDescription("Total speech segments produced by VAD."),
	); err != nil {
		return nil, err
	}
	if met.DialoguesStarted, err = m.Int64Counter("earshot.dialogues.started",
		metric.WithDescription("Total dialogues opened by the stitcher."),
	); err != nil {
		return nil, err
	}
	if met.DialoguesExtended, err = m.Int64Counter("earshot.dialogues.extended",
		metric.WithDescription("Total extensions of an open dialogue."),
	); err != nil {
		return nil, err
	}
	if met.StatesSwept, err = m.Int64Counter("earshot.states.swept",
		metric.WithDescription("Total stale dialogue states closed by the background sweep."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InflightChunks, err = m.Int64UpDownCounter("earshot.worker.inflight",
		metric.WithDescription("Number of chunks currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earshot.http.request.duration",
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

// RecordUpload is a convenience method that records one handled upload with
// the standard status attribute.
func (m *Metrics) RecordUpload(ctx context.Context, status string) {
	m.Uploads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordChunkProcessed is a convenience method that records one finished
// chunk with the standard status attribute.
func (m *Metrics) RecordChunkProcessed(ctx context.Context, status string) {
	m.ChunksProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSegments is a convenience method that records n detected segments.
func (m *Metrics) RecordSegments(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.SegmentsDetected.Add(ctx, int64(n))
}

// RecordRequeued is a convenience method that records n requeued chunks.
func (m *Metrics) RecordRequeued(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.ChunksRequeued.Add(ctx, int64(n))
}
