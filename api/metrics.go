package api

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	commandSpanName    = "ws.command"
	commandMetricsName = "ws.command.metrics"
)

// Command outcomes as reported on spans, logs and counters.
const (
	outcomeOK          = "ok"
	outcomeRejected    = "rejected"
	outcomeConflict    = "conflict"
	outcomeRateLimited = "rate_limited"
	outcomeError       = "error"
)

type collectors struct {
	commands    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prism_sync_commands_total",
			Help: "Inbound commands handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prism_sync_command_duration_seconds",
			Help:    "Time spent handling one inbound command.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prism_sync_connections",
			Help: "Open websocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.commands, c.duration, c.connections)
	}
	return c
}

type commandMetrics struct {
	logger        *log.Logger
	collectors    *collectors
	span          trace.Span
	start         time.Time
	command       string
	storeDuration time.Duration
	outcome       string
	errorStage    string
}

func newCommandMetrics(ctx context.Context, logger *log.Logger, cols *collectors, command, connID string) (*commandMetrics, context.Context) {
	ctx, span := otel.Tracer("prism-sync/api").Start(ctx, commandSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("ws.command", command),
			attribute.String("ws.conn_id", connID),
		))
	return &commandMetrics{
		logger:     logger,
		collectors: cols,
		span:       span,
		start:      time.Now(),
		command:    command,
		outcome:    outcomeOK,
	}, ctx
}

func (m *commandMetrics) ObserveStore(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.storeDuration += duration
}

func (m *commandMetrics) SetOutcome(outcome string) {
	if outcome == "" {
		return
	}
	m.outcome = outcome
}

func (m *commandMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and records the command. err is only set for failures
// the server did not expect.
func (m *commandMetrics) Log(err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)
	if err != nil {
		m.outcome = outcomeError
	}

	attrs := []attribute.KeyValue{
		attribute.String("ws.outcome", m.outcome),
		attribute.Float64("ws.total_ms", durationToMillis(total)),
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("ws.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("ws.error_stage", m.errorStage))
	}
	m.span.SetAttributes(attrs...)
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	m.span.End()

	if m.collectors != nil {
		m.collectors.commands.WithLabelValues(m.command, m.outcome).Inc()
		m.collectors.duration.WithLabelValues(m.command).Observe(total.Seconds())
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"command":  m.command,
		"outcome":  m.outcome,
		"total_ms": durationToMillis(total),
	}
	if m.storeDuration > 0 {
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Debug(commandMetricsName)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
