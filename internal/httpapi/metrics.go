package httpapi

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/libraryd/internal/httpapi"

// HTTPMetrics holds HTTP-level request metrics.
type HTTPMetrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	requestsTotal metric.Int64Counter
	requestDur    metric.Float64Histogram
}

// NewHTTPMetrics creates a new HTTPMetrics instance.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &HTTPMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"libraryd.http.requests_total",
		metric.WithDescription("Total HTTP requests labeled by method, route, and status code"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.requestDur, err = m.meter.Float64Histogram(
		"libraryd.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds, labeled by method, route, and status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// Middleware records request count and duration per route.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", c.Path()),
				attribute.String("status", strconv.Itoa(c.Response().Status)),
			)
			ctx := c.Request().Context()
			m.requestsTotal.Add(ctx, 1, attrs)
			m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)

			return err
		}
	}
}
