package infrastructure

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BusinessMetrics holds the devicehub instruments.
type BusinessMetrics struct {
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	DevicesOnline        metric.Int64Gauge
	LicenseValidations   metric.Int64Counter
	ActivationLogErrors  metric.Int64Counter
	Deliveries           metric.Int64Counter
	GrantsIssued         metric.Int64Counter
	GrantsPruned         metric.Int64Counter
	GrantRedemptions     metric.Int64Counter
	WebSocketConnections metric.Int64UpDownCounter
	BusMessagesDropped   metric.Int64Counter
}

// NewBusinessMetrics creates all instruments on meter.
func NewBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}
	var err error

	if m.HTTPRequestsTotal, err = meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.DevicesOnline, err = meter.Int64Gauge("devices_online",
		metric.WithDescription("Devices currently resolvable to a live transport")); err != nil {
		return nil, err
	}
	if m.LicenseValidations, err = meter.Int64Counter("license_validations_total",
		metric.WithDescription("License validations by outcome")); err != nil {
		return nil, err
	}
	if m.ActivationLogErrors, err = meter.Int64Counter("license_activation_log_errors_total",
		metric.WithDescription("Failed activation log writes")); err != nil {
		return nil, err
	}
	if m.Deliveries, err = meter.Int64Counter("package_deliveries_total",
		metric.WithDescription("Package deliveries by mode and outcome")); err != nil {
		return nil, err
	}
	if m.GrantsIssued, err = meter.Int64Counter("download_grants_issued_total",
		metric.WithDescription("Download grants issued")); err != nil {
		return nil, err
	}
	if m.GrantsPruned, err = meter.Int64Counter("download_grants_pruned_total",
		metric.WithDescription("Expired download grants removed")); err != nil {
		return nil, err
	}
	if m.GrantRedemptions, err = meter.Int64Counter("download_grant_redemptions_total",
		metric.WithDescription("Download grant redemptions by outcome")); err != nil {
		return nil, err
	}
	if m.WebSocketConnections, err = meter.Int64UpDownCounter("websocket_connections",
		metric.WithDescription("Open websocket transports")); err != nil {
		return nil, err
	}
	if m.BusMessagesDropped, err = meter.Int64Counter("websocket_messages_dropped_total",
		metric.WithDescription("Outbound messages dropped on full client buffers")); err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing, for tests and for
// components constructed without telemetry.
func NoopMetrics() *BusinessMetrics {
	m, _ := NewBusinessMetrics(noop.NewMeterProvider().Meter(InstrumentationName))
	return m
}

// Outcome records a counter increment with a single outcome attribute.
func Outcome(ctx context.Context, c metric.Int64Counter, outcome string, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	attrs = append(attrs, attribute.String("outcome", outcome))
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
