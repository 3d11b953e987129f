package transport

import (
	"context"
	"errors"
	"fmt"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// TaggedMessage is the result of a resolved RecvTagged call.
type TaggedMessage struct {
	Payload []byte
	Source  fi.Address
	Tag     uint64
}

// SendTagged transmits payload to dest under tag and blocks until the send
// completes. Every control RPC and every metadata header in the pipeline
// travels through this call.
func (p *Peer) SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	ctx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := p.SendTaggedAsync(dest, tag, payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendFuture tracks the completion of a posted tagged send.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or ctx is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("transport: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes once the send resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// SendTaggedAsync posts a tagged send and returns immediately with a future.
func (p *Peer) SendTaggedAsync(dest fi.Address, tag uint64, payload []byte) (*SendFuture, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("transport: empty payload")
	}
	if err := p.dispatchFailure(); err != nil {
		return nil, err
	}

	op := newOperation(p, OperationSendTagged, len(payload), nil)
	ctx, err := p.endpoint.PostTaggedSend(&fi.TaggedSendRequest{Buffer: payload, Dest: dest, Tag: tag})
	if err != nil {
		return nil, fmt.Errorf("post tagged send: %w", err)
	}
	p.stats.sendPosted.Add(1)
	p.logf("transport: tagged send posted size=%d dest=%v tag=%d", len(payload), dest, tag)
	ctx.SetValue(op)
	return &SendFuture{op: op}, nil
}

// RecvTagged posts a tagged receive matching tag exactly (no wildcard
// bits) into buf, blocking until a matching message arrives or ctx is
// cancelled.
func (p *Peer) RecvTagged(ctx context.Context, tag uint64, buf []byte) (*TaggedMessage, error) {
	ctx, cancel := p.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	future, err := p.RecvTaggedAsync(tag, buf)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// RecvFuture tracks the completion of a posted tagged receive.
type RecvFuture struct {
	op   *operation
	buf  []byte
	meta *recvMeta
}

// Await blocks until the receive resolves or ctx is cancelled.
func (f *RecvFuture) Await(ctx context.Context) (*TaggedMessage, error) {
	if f == nil || f.op == nil {
		return nil, errors.New("transport: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
		default:
			return nil, ctx.Err()
		}
	case <-f.op.done:
	}
	res := f.op.resultSnapshot()
	if res.err != nil {
		return nil, res.err
	}
	msg := &TaggedMessage{Source: fi.Address(f.meta.source.Load()), Tag: f.meta.tag.Load()}
	if res.length > 0 && f.buf != nil {
		msg.Payload = append([]byte(nil), f.buf[:res.length]...)
	}
	return msg, nil
}

// Done exposes a channel that closes once the receive resolves.
func (f *RecvFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// RecvTaggedAsync posts a tagged receive into buf and returns immediately.
func (p *Peer) RecvTaggedAsync(tag uint64, buf []byte) (*RecvFuture, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("transport: buffer must be non-empty")
	}
	if err := p.dispatchFailure(); err != nil {
		return nil, err
	}

	meta := &recvMeta{buffer: buf}
	op := newOperation(p, OperationRecvTagged, len(buf), meta)
	ctx, err := p.endpoint.PostTaggedRecv(&fi.TaggedRecvRequest{Buffer: buf, Tag: tag, Ignore: 0})
	if err != nil {
		return nil, fmt.Errorf("post tagged recv: %w", err)
	}
	p.stats.recvPosted.Add(1)
	p.logf("transport: tagged recv posted size=%d tag=%d", len(buf), tag)
	ctx.SetValue(op)
	return &RecvFuture{op: op, buf: buf, meta: meta}, nil
}
