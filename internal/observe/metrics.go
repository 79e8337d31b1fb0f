// Package observe holds the metric instruments shared by the gateway, the tool registry, the
// conversation engine and the HTTP layer.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for scraping in Prometheus
// format, see [InitProvider]. Tests should build their own [Metrics] with [NewMetrics] and a no-op or
// manual-reader meter provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/MegaGrindStone/market-chat"

// Metrics holds all metric instruments of the application. Instruments are safe for concurrent use.
type Metrics struct {
	// GatewayRequests counts FMP API calls. Attributes: path, status.
	GatewayRequests metric.Int64Counter
	// GatewayDuration tracks FMP API call latency. Attributes: path, status.
	GatewayDuration metric.Float64Histogram

	// ToolCalls counts tool executions. Attributes: tool, status.
	ToolCalls metric.Int64Counter
	// ToolDuration tracks tool execution latency. Attributes: tool.
	ToolDuration metric.Float64Histogram

	// Steps counts model steps run by the engine.
	Steps metric.Int64Counter
	// ProviderErrors counts turns aborted by a model provider error.
	ProviderErrors metric.Int64Counter
	// ActiveTurns tracks turns currently streaming.
	ActiveTurns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request latency. Attributes: method, path, status.
	HTTPRequestDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GatewayRequests, err = m.Int64Counter("marketchat.gateway.requests",
		metric.WithDescription("Total FMP API requests by path and status."),
	); err != nil {
		return nil, err
	}
	if met.GatewayDuration, err = m.Float64Histogram("marketchat.gateway.duration",
		metric.WithDescription("Latency of FMP API requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("marketchat.tool.calls",
		metric.WithDescription("Total tool executions by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("marketchat.tool.duration",
		metric.WithDescription("Latency of tool executions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Steps, err = m.Int64Counter("marketchat.engine.steps",
		metric.WithDescription("Total model steps."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("marketchat.provider.errors",
		metric.WithDescription("Total turns aborted by a provider error."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("marketchat.engine.active_turns",
		metric.WithDescription("Number of turns currently streaming."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("marketchat.http.request.duration",
		metric.WithDescription("HTTP request latency by method, path and status."),
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

// DefaultMetrics returns the package-level Metrics built from the global meter provider on first call.
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

// Discard returns Metrics that record nothing.
func Discard() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: failed to create no-op metrics: " + err.Error())
	}
	return m
}

// RecordToolCall records a finished tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	))
	m.ToolDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordProviderError records a turn aborted by provider.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
