package transport

import (
	"errors"
	"fmt"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

func (p *Peer) dispatch() {
	defer p.wg.Done()

	span := p.startDispatcherSpan()
	startFields := []logField{logKV("endpoint_type", p.cfg.EndpointType.String())}
	if p.cfg.Provider != "" {
		startFields = append(startFields, logKV("provider", p.cfg.Provider))
	}
	p.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	p.metricDispatcherStarted(startFields...)

	defer func() {
		err := p.dispatcherError()
		fields := []logField{logKV("status", "ok")}
		if err != nil {
			fields[0] = logKV("status", "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		p.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		p.metricDispatcherStopped(fields...)
		p.finishDispatcherSpan(span, err)
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if event, err := p.cq.ReadContext(); err == nil && event != nil {
			p.handleCompletion(event, nil, span)
			backoff = time.Millisecond
			continue
		} else if err != nil && !errors.Is(err, fi.ErrNoCompletion) {
			dispatchErr := fmt.Errorf("cq read: %w", err)
			p.recordDispatcherFailure(span, "cq_read_error", dispatchErr)
			p.recordDispatcherError(dispatchErr)
		}

		if entry, err := p.cq.ReadError(0); err == nil && entry != nil {
			p.handleCompletion(nil, entry, span)
			backoff = time.Millisecond
			continue
		} else if err != nil && !errors.Is(err, fi.ErrNoCompletion) {
			dispatchErr := fmt.Errorf("cq readerr: %w", err)
			p.recordDispatcherFailure(span, "cq_readerr_error", dispatchErr)
			p.recordDispatcherError(dispatchErr)
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (p *Peer) handleCompletion(event *fi.CompletionEvent, entry *fi.CompletionError, span Span) {
	var (
		ctx *fi.CompletionContext
		err error
	)
	switch {
	case event != nil:
		ctx, err = event.Resolve()
	case entry != nil:
		ctx, err = entry.Resolve()
	default:
		return
	}
	if err != nil {
		return
	}
	val := ctx.Value()
	op, ok := val.(*operation)
	if !ok || op == nil {
		return
	}
	if op.kind == OperationRecvTagged {
		if meta, ok := op.meta.(*recvMeta); ok && meta != nil {
			if event != nil {
				meta.source.Store(uint64(event.Source))
				meta.tag.Store(event.Tag)
			} else if entry != nil {
				meta.source.Store(entry.SrcAddr)
				meta.tag.Store(entry.Tag)
			}
		}
	}
	result := operationResult{length: op.size}
	if entry != nil {
		result.err = OperationError{
			Kind:        op.kind,
			Errno:       entry.Err,
			ProviderErr: entry.ProviderErr,
			Flags:       entry.Flags,
			Length:      entry.Length,
			Data:        entry.Data,
			Tag:         entry.Tag,
		}
	} else if event != nil && event.HasTag() {
		result.length = int(event.Length)
	}
	p.logOperationCompletion(op, result, event, entry, span)
	op.complete(result)
}

func (p *Peer) emit(op *operation, res operationResult) {
	if p == nil {
		return
	}
	switch op.kind {
	case OperationSendTagged:
		if res.err != nil {
			p.stats.sendErrored.Add(1)
		} else {
			p.stats.sendCompleted.Add(1)
		}
	case OperationRecvTagged:
		if res.err != nil {
			p.stats.recvErrored.Add(1)
		} else {
			p.stats.recvMatched.Add(1)
		}
	case OperationRMA:
		if res.err != nil {
			p.stats.rmaErrored.Add(1)
		} else {
			p.stats.rmaCompleted.Add(1)
		}
	}
}

func (p *Peer) startDispatcherSpan() Span {
	if p == nil || p.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "transport-peer"},
		{Key: "endpoint_type", Value: p.cfg.EndpointType.String()},
		{Key: "role", Value: string(p.cfg.Role)},
	}
	if p.cfg.Provider != "" {
		attrs = append(attrs, TraceAttribute{Key: "provider", Value: p.cfg.Provider})
	}
	if p.cfg.ComponentID != "" {
		attrs = append(attrs, TraceAttribute{Key: "component_id", Value: p.cfg.ComponentID})
	}
	return p.tracer.StartSpan("transport-peer-dispatcher", attrs...)
}

func (p *Peer) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (p *Peer) recordDispatcherFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	p.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	p.metricDispatcherCQError(event, err, fields...)
}

func (p *Peer) logOperationCompletion(op *operation, res operationResult, event *fi.CompletionEvent, entry *fi.CompletionError, span Span) {
	if p == nil || op == nil {
		return
	}
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	eventName := "completion"
	if status != "ok" {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV("operation", op.kind.String()),
		logKV("status", status),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	if event != nil && event.Source != 0 {
		fields = append(fields, logKV("source", event.Source))
	}
	if entry != nil {
		fields = append(fields,
			logKV("errno", entry.Err),
			logKV("provider_err", entry.ProviderErr),
			logKV("flags", fmt.Sprintf("0x%x", entry.Flags)),
			logKV("provider_length", entry.Length),
			logKV("provider_tag", entry.Tag),
		)
	}
	if res.err != nil {
		fields = append(fields, logKV("error", res.err))
	}
	p.logDispatcherEvent(eventName, fields...)
	spanAddEvent(span, eventName, fields...)
	if res.err != nil {
		spanRecordError(span, res.err)
	}
	switch op.kind {
	case OperationSendTagged:
		if res.err != nil {
			p.metricSendFailed(res.err, fields...)
		} else {
			p.metricSendCompleted(fields...)
		}
	case OperationRecvTagged:
		if res.err != nil {
			p.metricReceiveFailed(res.err, fields...)
		} else {
			p.metricReceiveCompleted(fields...)
		}
	case OperationRMA:
		if res.err != nil {
			p.metricRMAFailed(res.err, fields...)
		} else {
			p.metricRMACompleted(fields...)
		}
	}
}
