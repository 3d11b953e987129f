package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	dispatcherCQError metric.Int64Counter
	sendCompleted     metric.Int64Counter
	sendFailed        metric.Int64Counter
	receiveCompleted  metric.Int64Counter
	receiveFailed     metric.Int64Counter
	rmaCompleted      metric.Int64Counter
	rmaFailed         metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/tf-pipeline/transport"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	dispatcherStarted, err := meter.Int64Counter("tf_pipeline.transport.dispatcher.started")
	if err != nil {
		return nil, err
	}
	dispatcherStopped, err := meter.Int64Counter("tf_pipeline.transport.dispatcher.stopped")
	if err != nil {
		return nil, err
	}
	dispatcherCQError, err := meter.Int64Counter("tf_pipeline.transport.dispatcher.cq_errors")
	if err != nil {
		return nil, err
	}
	sendCompleted, err := meter.Int64Counter("tf_pipeline.transport.send.completed")
	if err != nil {
		return nil, err
	}
	sendFailed, err := meter.Int64Counter("tf_pipeline.transport.send.failed")
	if err != nil {
		return nil, err
	}
	receiveCompleted, err := meter.Int64Counter("tf_pipeline.transport.receive.completed")
	if err != nil {
		return nil, err
	}
	receiveFailed, err := meter.Int64Counter("tf_pipeline.transport.receive.failed")
	if err != nil {
		return nil, err
	}
	rmaCompleted, err := meter.Int64Counter("tf_pipeline.transport.rma.completed")
	if err != nil {
		return nil, err
	}
	rmaFailed, err := meter.Int64Counter("tf_pipeline.transport.rma.failed")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		dispatcherStarted: dispatcherStarted,
		dispatcherStopped: dispatcherStopped,
		dispatcherCQError: dispatcherCQError,
		sendCompleted:     sendCompleted,
		sendFailed:        sendFailed,
		receiveCompleted:  receiveCompleted,
		receiveFailed:     receiveFailed,
		rmaCompleted:      rmaCompleted,
		rmaFailed:         rmaFailed,
	}, nil
}

func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) DispatcherCQError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.dispatcherCQError.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

func (o *OTelMetrics) SendCompleted(attrs map[string]string) {
	o.sendCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) SendFailed(_ error, attrs map[string]string) {
	o.sendFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) ReceiveCompleted(attrs map[string]string) {
	o.receiveCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) ReceiveFailed(_ error, attrs map[string]string) {
	o.receiveFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) RMACompleted(attrs map[string]string) {
	o.rmaCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func (o *OTelMetrics) RMAFailed(_ error, attrs map[string]string) {
	o.rmaFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithOperation(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelEndpointType, attrs[labelEndpointType]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelRole]; v != "" {
		kvs = append(kvs, attribute.String(labelRole, v))
	}
	if v := attrs[labelComponentID]; v != "" {
		kvs = append(kvs, attribute.String(labelComponentID, v))
	}
	return kvs
}

func otelAttrsWithOperation(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelOperation]; v != "" {
		kvs = append(kvs, attribute.String(labelOperation, v))
	}
	if v := attrs[labelStatus]; v != "" {
		kvs = append(kvs, attribute.String(labelStatus, v))
	}
	return kvs
}
