package transport

// Logger provides structured debug logging hooks for the peer.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends
// (satisfied by a *zap.SugaredLogger).
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures dispatcher telemetry events. Two implementations are
// provided: metrics_otel.go (OpenTelemetry counters) and
// metrics_prometheus.go (Prometheus counter vectors), selected by
// component configuration rather than compile-time build tags so a single
// binary can register both if desired.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherCQError(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	RMACompleted(attrs map[string]string)
	RMAFailed(err error, attrs map[string]string)
}

func (p *Peer) metricDispatcherStarted(fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.DispatcherStarted(p.metricAttrs(fields...))
}

func (p *Peer) metricDispatcherStopped(fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.DispatcherStopped(p.metricAttrs(fields...))
}

func (p *Peer) metricDispatcherCQError(kind string, err error, fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.DispatcherCQError(kind, err, p.metricAttrs(fields...))
}

func (p *Peer) metricSendCompleted(fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.SendCompleted(p.metricAttrs(fields...))
}

func (p *Peer) metricSendFailed(err error, fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.SendFailed(err, p.metricAttrs(fields...))
}

func (p *Peer) metricReceiveCompleted(fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.ReceiveCompleted(p.metricAttrs(fields...))
}

func (p *Peer) metricReceiveFailed(err error, fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.ReceiveFailed(err, p.metricAttrs(fields...))
}

func (p *Peer) metricRMACompleted(fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.RMACompleted(p.metricAttrs(fields...))
}

func (p *Peer) metricRMAFailed(err error, fields ...logField) {
	if p == nil || p.metrics == nil {
		return
	}
	p.metrics.RMAFailed(err, p.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
