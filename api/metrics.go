package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	boardSpanName    = "api.board.request"
	boardEventName   = "board.request"
	boardEventDomain = "onlytask"
	boardRoute       = "/api/board"
)

type boardRequestMetrics struct {
	logger *log.Logger
	span   trace.Span

	start         time.Time
	authDuration  time.Duration
	loadDuration  time.Duration
	tasksReturned int
	warningsShown int
	errorStage    string
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger) (*boardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("onlytask-api").Start(ctx, boardSpanName)
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *boardRequestMetrics) ObserveLoad(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.loadDuration = duration
}

func (m *boardRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *boardRequestMetrics) SetWarningsShown(count int) {
	if count < 0 {
		count = 0
	}
	m.warningsShown = count
}

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits one observability event for the request: a structured log line
// and, when tracing is configured, the closing span with the same payload.
func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severity := "INFO"
	if err != nil || m.errorStage != "" {
		severity = "ERROR"
	}

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", boardRoute),
			attribute.Int("http.status_code", status),
			attribute.Float64("onlytask.board.total_ms", totalMs),
			attribute.Int("onlytask.board.tasks_returned", m.tasksReturned),
			attribute.Int("onlytask.board.warnings_shown", m.warningsShown),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("onlytask.board.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(
			attribute.String("event.name", boardEventName),
			attribute.String("event.domain", boardEventDomain),
			attribute.String("severity_text", severity),
			attribute.Float64("onlytask.board.total_ms", totalMs),
		))
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else if m.errorStage != "" {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":          boardRoute,
		"status":         status,
		"total_ms":       totalMs,
		"tasks_returned": m.tasksReturned,
		"warnings_shown": m.warningsShown,
		"severity_text":  severity,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.loadDuration > 0 {
		fields["load_ms"] = durationToMillis(m.loadDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}

	entry := m.logger.WithFields(fields)
	if severity == "ERROR" {
		entry.Error("observability.event")
		return
	}
	entry.Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
