package api

import (
	"context"
	"errors"
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
	tracerName      = "kanban-api/api"
	requestLogEvent = "http.request"
	metricsKey      = "kanban.metrics"
	loggerKey       = "kanban.logger"
)

type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	start         time.Time
	route         string
	method        string
	authDuration  time.Duration
	storeDuration time.Duration
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestLogEvent,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	return &requestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
		method: method,
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration += d
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

// SetErrorStage keeps the first stage that failed.
func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, requestID string, err error) {
	if m == nil {
		return
	}
	if m.span != nil {
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("kanban.error_stage", m.errorStage))
		}
		if status >= http.StatusInternalServerError {
			m.span.SetStatus(codes.Error, http.StatusText(status))
		}
		m.span.End()
	}
	if m.logger == nil {
		return
	}

	severityText, severityNumber := severityForStatus(status, err)
	fields := log.Fields{
		"route":           m.route,
		"method":          m.method,
		"status":          status,
		"total_ms":        durationToMillis(time.Since(m.start)),
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(requestLogEvent)
	case "WARN":
		entry.Warn(requestLogEvent)
	default:
		entry.Info(requestLogEvent)
	}
}

// severityForStatus returns the OpenTelemetry severity text and number for a
// finished request.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, status == 0 && err != nil:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics opens a server span per request and writes one log line when
// the response is complete. Errors are rendered here so the final status is
// known.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, route)
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)
			c.Set(loggerKey, logger)

			err := next(c)
			if err != nil {
				var rej *Rejection
				var he *echo.HTTPError
				if !errors.As(err, &rej) && !errors.As(err, &he) {
					m.SetErrorStage("handler")
				}
				c.Error(err)
			}
			res := c.Response()
			m.Log(res.Status, res.Header().Get(echo.HeaderXRequestID), err)
			return nil
		}
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsKey).(*requestMetrics)
	return m
}

func loggerFrom(c echo.Context) *log.Logger {
	if l, ok := c.Get(loggerKey).(*log.Logger); ok && l != nil {
		return l
	}
	return log.StandardLogger()
}
