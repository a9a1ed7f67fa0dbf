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
	tracerName         = "taskboard/api"
	requestEventName   = "tasks.request.metrics"
	requestEventDomain = "taskboard.api"
	metricsContextKey  = "taskboard.metrics"
)

type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	method string
	route  string
	start  time.Time

	authDuration  time.Duration
	storeDuration time.Duration
	tasksReturned int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		method: method,
		route:  route,
		start:  time.Now(),
	}, ctx
}

// metricsFrom returns the request's metrics, or a detached recorder when the
// middleware is not installed.
func metricsFrom(c echo.Context) *requestMetrics {
	if m, ok := c.Get(metricsContextKey).(*requestMetrics); ok {
		return m
	}
	return &requestMetrics{start: time.Now()}
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration += d
	}
}

func (m *requestMetrics) SetTasksReturned(n int) {
	if n < 0 {
		n = 0
	}
	m.tasksReturned = n
}

// SetErrorStage keeps the first stage that failed.
func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) attributes(status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.request.method", m.method),
		attribute.Int("http.response.status_code", status),
		attribute.Float64("taskboard.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Int("taskboard.tasks_returned", m.tasksReturned),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskboard.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskboard.error_stage", m.errorStage))
	}
	return attrs
}

// Log ends the span and writes one structured entry for the request.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		if status >= http.StatusInternalServerError {
			msg := http.StatusText(status)
			if err != nil {
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		}
		if err != nil {
			m.span.RecordError(err)
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attributesToMap(attrs),
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(requestEventName)
	case "WARN":
		entry.Warn(requestEventName)
	default:
		entry.Info(requestEventName)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	case err != nil:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func attributesToMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics wraps each request in a span and logs a metrics entry when it
// completes.
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
			c.Set(metricsContextKey, m)

			err := next(c)
			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else if !c.Response().Committed {
					status = http.StatusInternalServerError
				}
			}
			m.Log(status, err)
			return err
		}
	}
}
