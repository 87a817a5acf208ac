// Package telemetry records scheduling and HTTP metrics through the
// OpenTelemetry metric API. Metrics are exported over OTLP/gRPC when an
// endpoint is configured; otherwise instruments are recorded against a
// provider without readers and cost next to nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
)

const instrumentationName = "github.com/phuocem/HealthCareCenter-sub000"

// Config holds the telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port of an OTLP/gRPC collector. Empty disables export.
	OTLPEndpoint string
	Interval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "clinic-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
}

// Setup builds a MeterProvider, installs it globally and returns it with a
// shutdown func that flushes pending metrics.
func Setup(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	cfg.applyDefaults()
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}

// Metrics holds the application instruments. It implements
// scheduling.MetricsRecorder.
type Metrics struct {
	Bookings          metric.Int64Counter
	StoreCallDuration metric.Float64Histogram
	StoreErrors       metric.Int64Counter
	RequestCount      metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	ActiveRequests    metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.Bookings, err = meter.Int64Counter(
		"scheduling.bookings",
		metric.WithDescription("Booking attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.StoreCallDuration, err = meter.Float64Histogram(
		"scheduling.store.duration",
		metric.WithDescription("Store call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.StoreErrors, err = meter.Int64Counter(
		"scheduling.store.errors",
		metric.WithDescription("Failed store calls by error kind"),
	); err != nil {
		return nil, err
	}
	if m.RequestCount, err = meter.Int64Counter(
		"http.server.request.count",
		metric.WithDescription("Number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.ActiveRequests, err = meter.Int64UpDownCounter(
		"http.server.active_requests",
		metric.WithDescription("In-flight HTTP requests"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordBooking counts one booking attempt. outcome is "booked", "replayed"
// or an error code such as "slot_full".
func (m *Metrics) RecordBooking(ctx context.Context, outcome string) {
	m.Bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStoreCall records the latency of one store call, and its error kind
// when it failed.
func (m *Metrics) RecordStoreCall(ctx context.Context, op string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("op", op))
	m.StoreCallDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	if err != nil {
		m.StoreErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("kind", string(scheduling.KindOf(err))),
		))
	}
}

// Middleware records request count, duration and in-flight requests per
// route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			m.ActiveRequests.Add(ctx, 1)
			defer m.ActiveRequests.Add(ctx, -1)

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.String("http.status_code", strconv.Itoa(statusOf(c, err))),
			)
			m.RequestCount.Add(ctx, 1, attrs)
			m.RequestDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
			return err
		}
	}
}

// statusOf returns the status the error handler is about to write when the
// handler failed, or the status already written.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
