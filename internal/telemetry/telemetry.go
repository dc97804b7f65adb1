// Package telemetry provides the registry's own self-observability:
// structured logging via log/slog and a small set of otel counters
// (measurementsDroppedHttp, measurementsSentHttp,
// subscriptionRefreshFailures) exported through the Prometheus bridge,
// matching the teacher's REDMetrics shape renamed to this domain.
package telemetry

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config selects the logging and metrics behavior of a telemetry
// instance.
type Config struct {
	// LogLevel is the minimum slog level emitted.
	LogLevel slog.Level
	// LogJSON selects a JSON handler over a text handler.
	LogJSON bool
}

// Logger builds a *slog.Logger per cfg, writing to stderr.
func Logger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// Metrics holds the registry's self-observability instruments.
type Metrics struct {
	Registry *sdkmetric.MeterProvider
	Reader   *prometheus.Exporter

	MeasurementsDroppedHTTP     metric.Int64Counter
	MeasurementsSentHTTP        metric.Int64Counter
	SubscriptionRefreshFailures metric.Int64Counter
	SchedulerTicksSkipped       metric.Int64Counter
}

// NewMetrics wires up a Prometheus-backed otel MeterProvider and the
// registry's counters. The returned *prometheus.Exporter implements
// http.Handler-compatible collection via the standard
// promhttp.HandlerFor(exporter's registry) pattern at the call site.
func NewMetrics() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("stepmetrics")

	dropped, err := meter.Int64Counter(
		"stepmetrics_measurements_dropped_http_total",
		metric.WithDescription("Measurements dropped due to a transient publish or eval HTTP failure."),
	)
	if err != nil {
		return nil, err
	}

	sent, err := meter.Int64Counter(
		"stepmetrics_measurements_sent_http_total",
		metric.WithDescription("Measurements successfully delivered to the publish or eval endpoint."),
	)
	if err != nil {
		return nil, err
	}

	refreshFailures, err := meter.Int64Counter(
		"stepmetrics_subscription_refresh_failures_total",
		metric.WithDescription("Subscription manager refresh attempts that failed."),
	)
	if err != nil {
		return nil, err
	}

	skipped, err := meter.Int64Counter(
		"stepmetrics_scheduler_ticks_skipped_total",
		metric.WithDescription("Fixed-rate-skip-if-long scheduler ticks skipped because the prior run was still executing."),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Registry:                    provider,
		Reader:                      exporter,
		MeasurementsDroppedHTTP:     dropped,
		MeasurementsSentHTTP:        sent,
		SubscriptionRefreshFailures: refreshFailures,
		SchedulerTicksSkipped:       skipped,
	}, nil
}
