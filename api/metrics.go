package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName        = "github.com/wowowow-64/weekwise/api"
	metricsMessage    = "request.metrics"
	errorStageKey     = "weekwise.error_stage"
	metricsContextKey = "weekwise.metrics"
)

type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	route      string
	method     string
	storeTime  time.Duration
	errorStage string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", method),
		),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
		method: method,
	}, ctx
}

// ObserveStore records time spent waiting on the document store or model.
func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeTime += d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// RecordError attaches a failure the handler answered itself to the span.
func (m *requestMetrics) RecordError(stage string, err error) {
	m.SetErrorStage(stage)
	m.span.RecordError(err, trace.WithAttributes(attribute.String(errorStageKey, stage)))
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Float64("weekwise.total_ms", total),
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(errorStageKey, m.errorStage))
	}
	m.span.SetAttributes(attrs...)
	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    m.route,
		"method":   m.method,
		"status":   status,
		"total_ms": total,
	}
	if m.storeTime > 0 {
		fields["store_ms"] = durationToMillis(m.storeTime)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	entry := m.logger.WithFields(fields)
	if status >= http.StatusInternalServerError || err != nil {
		entry.Warn(metricsMessage)
		return
	}
	entry.Info(metricsMessage)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// MetricsMiddleware opens a span per request and logs one metrics line when
// the handler returns. The SSE stream is traced like any other route.
func MetricsMiddleware(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m, ctx := newRequestMetrics(c.Request().Context(), logger, c.Request().Method, route)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(metricsContextKey, m)

			err := next(c)
			status := c.Response().Status
			logged := err
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
				if he.Code < http.StatusInternalServerError {
					logged = nil
				}
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			m.Log(status, logged)
			return err
		}
	}
}

// metricsOf returns the request's metrics, or nil outside MetricsMiddleware.
func metricsOf(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}

// observe times fn as store work and records its error under stage.
func observe(c echo.Context, stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	if m := metricsOf(c); m != nil {
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.RecordError(stage, err)
		}
	}
	return err
}

// failStage tags the request's metrics without timing anything.
func failStage(c echo.Context, stage string) {
	if m := metricsOf(c); m != nil {
		m.SetErrorStage(stage)
	}
}
