// Package observability exposes service metrics through an OpenTelemetry
// meter backed by a Prometheus exporter.
package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the application instruments. A nil *Metrics is valid and
// records nothing, so callers never need to guard their calls.
type Metrics struct {
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter

	GenerationDuration metric.Float64Histogram
	GenerationsTotal   metric.Int64Counter
	GenerationsActive  metric.Int64UpDownCounter

	ArtifactsFetched      metric.Int64Counter
	ArtifactFetchFailures metric.Int64Counter
}

// NewMetrics creates the instruments on a private registry and returns the
// handler that serves it.
func NewMetrics(_ context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("studio")
	m := &Metrics{}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GenerationDuration, err = meter.Float64Histogram(
		"generation_duration_seconds",
		metric.WithDescription("Time from submission to saved images"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 20, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GenerationsTotal, err = meter.Int64Counter(
		"generations_total",
		metric.WithDescription("Total number of finished generations by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.GenerationsActive, err = meter.Int64UpDownCounter(
		"generations_active",
		metric.WithDescription("Generations currently waiting on the remote service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ArtifactsFetched, err = meter.Int64Counter(
		"artifacts_fetched_total",
		metric.WithDescription("Artifacts downloaded from the remote service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ArtifactFetchFailures, err = meter.Int64Counter(
		"artifact_fetch_failures_total",
		metric.WithDescription("Artifact downloads that failed and were skipped"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}

// RecordGenerationStarted marks a generation as in flight.
func (m *Metrics) RecordGenerationStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.GenerationsActive.Add(ctx, 1)
}

// RecordGenerationFinished records the outcome of a generation started with
// RecordGenerationStarted.
func (m *Metrics) RecordGenerationFinished(ctx context.Context, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.GenerationsActive.Add(ctx, -1)
	m.GenerationsTotal.Add(ctx, 1, attrs)
	m.GenerationDuration.Record(ctx, durationSeconds, attrs)
}

// RecordArtifactFetch counts one artifact download attempt.
func (m *Metrics) RecordArtifactFetch(ctx context.Context, nodeID string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(nodeAttr(nodeID))
	if success {
		m.ArtifactsFetched.Add(ctx, 1, attrs)
		return
	}
	m.ArtifactFetchFailures.Add(ctx, 1, attrs)
}
