package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestEventName   = "minutes.request"
	requestEventDomain = "minutes-api"
	observabilityEvent = "observability.event"
	tracerName         = "minutes-api/api"
)

// requestMetrics times one API request and reports it as a structured log
// entry and a span.
type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	route      string
	method     string
	start      time.Time
	auth       time.Duration
	decode     time.Duration
	operation  time.Duration
	actor      string
	failures   int
	errorStage string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("http.method", method),
		))
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		method: method,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.auth = d
	}
}

func (m *requestMetrics) ObserveDecode(d time.Duration) {
	if d > 0 {
		m.decode = d
	}
}

func (m *requestMetrics) ObserveOperation(d time.Duration) {
	if d > 0 {
		m.operation = d
	}
}

func (m *requestMetrics) SetActor(actor string) { m.actor = actor }

// SetFailures records how many per-item steps failed inside a successful
// operation.
func (m *requestMetrics) SetFailures(n int) {
	if n > 0 {
		m.failures = n
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) attributes(status int) map[string]any {
	attrs := map[string]any{
		"http.route":         m.route,
		"http.method":        m.method,
		"http.status_code":   status,
		"minutes.request.ms": durationToMillis(time.Since(m.start)),
	}
	if m.actor != "" {
		attrs["enduser.id"] = m.actor
	}
	if m.auth > 0 {
		attrs["minutes.request.auth_ms"] = durationToMillis(m.auth)
	}
	if m.decode > 0 {
		attrs["minutes.request.decode_ms"] = durationToMillis(m.decode)
	}
	if m.operation > 0 {
		attrs["minutes.request.operation_ms"] = durationToMillis(m.operation)
	}
	if m.failures > 0 {
		attrs["minutes.request.item_failures"] = m.failures
	}
	if m.errorStage != "" {
		attrs["minutes.request.error_stage"] = m.errorStage
	}
	return attrs
}

// Log emits the observability event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes(status)
	severity, number := severityForStatus(status, err)

	spanAttrs := []attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severity),
	}
	for k, v := range attrs {
		spanAttrs = append(spanAttrs, toAttribute(k, v))
	}
	if err != nil {
		spanAttrs = append(spanAttrs, attribute.String("error.message", err.Error()))
	}
	if m.span != nil {
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("minutes.request.error_stage", m.errorStage))
		}
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(spanAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
	}

	if m.logger != nil {
		fields := log.Fields{
			"event.name":      requestEventName,
			"event.domain":    requestEventDomain,
			"severity_text":   severity,
			"severity_number": number,
			"attributes":      attrs,
		}
		if m.span != nil {
			if sc := m.span.SpanContext(); sc.IsValid() {
				fields["trace_id"] = sc.TraceID().String()
				fields["span_id"] = sc.SpanID().String()
			}
		}
		entry := m.logger.WithFields(fields)
		if err != nil {
			entry = entry.WithError(err)
		}
		switch severity {
		case "ERROR":
			entry.Error(observabilityEvent)
		case "WARN":
			entry.Warn(observabilityEvent)
		default:
			entry.Info(observabilityEvent)
		}
	}

	if m.span != nil {
		m.span.End()
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case int:
		return attribute.Int(k, val)
	case float64:
		return attribute.Float64(k, val)
	case bool:
		return attribute.Bool(k, val)
	case string:
		return attribute.String(k, val)
	default:
		return attribute.String(k, "")
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
