// Package observability wires the OpenTelemetry meter to a Prometheus
// registry and exposes typed recorders for every metric the platform emits.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics owns all controller instruments. A disabled or nil Metrics value is
// safe to call; every recorder is a no-op in that case.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry
	meter    metric.Meter

	deployments  metric.Int64Counter
	starts       metric.Int64Counter
	stops        metric.Int64Counter
	restarts     metric.Int64Counter
	apiRequests  metric.Int64Counter
	apiDuration  metric.Float64Histogram
	authAttempts metric.Int64Counter
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
	deployStages metric.Float64Histogram
}

// Init builds the meter provider and all instruments. When enabled is false,
// the returned Metrics records nothing and Handler() reports 501.
func Init(enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)).Meter("skiff")

	m := &Metrics{enabled: true, registry: registry, meter: meter}

	if m.deployments, err = meter.Int64Counter("agent_deployments",
		metric.WithDescription("Total agent deployments by result")); err != nil {
		return nil, err
	}
	if m.starts, err = meter.Int64Counter("agent_starts",
		metric.WithDescription("Total agent start attempts by result")); err != nil {
		return nil, err
	}
	if m.stops, err = meter.Int64Counter("agent_stops",
		metric.WithDescription("Total agent stop attempts by result")); err != nil {
		return nil, err
	}
	if m.restarts, err = meter.Int64Counter("agent_restarts",
		metric.WithDescription("Total agent restart attempts by result")); err != nil {
		return nil, err
	}
	if m.apiRequests, err = meter.Int64Counter("api_requests",
		metric.WithDescription("Total management API requests")); err != nil {
		return nil, err
	}
	if m.apiDuration, err = meter.Float64Histogram("api_request_duration_seconds",
		metric.WithDescription("Management API request duration in seconds")); err != nil {
		return nil, err
	}
	if m.authAttempts, err = meter.Int64Counter("auth_attempts",
		metric.WithDescription("Total authentication attempts by result")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("checksum_cache_hits",
		metric.WithDescription("Deployments short-circuited by checksum match")); err != nil {
		return nil, err
	}
	if m.cacheMisses, err = meter.Int64Counter("checksum_cache_misses",
		metric.WithDescription("Deployments that required provisioning")); err != nil {
		return nil, err
	}
	if m.deployStages, err = meter.Float64Histogram("deployment_duration_seconds",
		metric.WithDescription("Deployment stage duration in seconds")); err != nil {
		return nil, err
	}

	return m, nil
}

// Enabled reports whether metrics were compiled in and switched on.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Handler serves the text exposition format, or 501 when metrics are off.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics support disabled", http.StatusNotImplemented)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterAgentGauge exposes agents_total{status} from a point-in-time count
// callback. Called once the supervisor exists.
func (m *Metrics) RegisterAgentGauge(counts func() map[string]int64) error {
	if !m.Enabled() {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("agents_total",
		metric.WithDescription("Agents by lifecycle status"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for status, n := range counts() {
				o.Observe(n, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	return err
}

// RegisterPortGauge exposes allocated_ports_total from the port registry.
func (m *Metrics) RegisterPortGauge(allocated func() int64) error {
	if !m.Enabled() {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("allocated_ports_total",
		metric.WithDescription("Ports currently held by agent instances"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(allocated())
			return nil
		}))
	return err
}

func (m *Metrics) RecordDeployment(ctx context.Context, result string) {
	if !m.Enabled() {
		return
	}
	m.deployments.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordDeploymentStage records one provisioning stage duration. Stages:
// extraction, sandbox_creation, dependency_installation, total.
func (m *Metrics) RecordDeploymentStage(ctx context.Context, stage string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.deployStages.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordLifecycle records a start/stop/restart outcome.
func (m *Metrics) RecordLifecycle(ctx context.Context, op, result string) {
	if !m.Enabled() {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	switch op {
	case "start":
		m.starts.Add(ctx, 1, attrs)
	case "stop":
		m.stops.Add(ctx, 1, attrs)
	case "restart":
		m.restarts.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordAPIRequest(ctx context.Context, method, endpoint string, status int, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.apiRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", status)))
	m.apiDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint)))
}

func (m *Metrics) RecordAuthAttempt(ctx context.Context, result string) {
	if !m.Enabled() {
		return
	}
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordChecksumLookup(ctx context.Context, hit bool) {
	if !m.Enabled() {
		return
	}
	if hit {
		m.cacheHits.Add(ctx, 1)
	} else {
		m.cacheMisses.Add(ctx, 1)
	}
}
