package transport

import (
	"context"
	"errors"
	"fmt"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// RMAFuture tracks the completion of a posted one-sided RMA read.
type RMAFuture struct {
	op  *operation
	buf []byte
}

// Await blocks until the RMA read completes or ctx is cancelled, returning
// the number of bytes placed into the destination buffer.
func (f *RMAFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("transport: nil RMA future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
		default:
			return 0, ctx.Err()
		}
	case <-f.op.done:
	}
	res := f.op.resultSnapshot()
	if res.err != nil {
		return 0, res.err
	}
	return res.length, nil
}

// Done exposes a channel that closes once the RMA read resolves.
func (f *RMAFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// RMAGet posts a one-sided read of remoteAddr/remoteKey on dest into local,
// returning a future that resolves once the provider reports the read
// complete. This is the only way builder.FetchPool pulls fragment bytes:
// the sender never actively transmits the payload, only the metadata
// header describing where it lives.
func (p *Peer) RMAGet(ctx context.Context, dest fi.Address, local []byte, remoteAddr uint64, remoteKey uint64) *RMAFuture {
	if err := p.ensureOpen(); err != nil {
		return failedRMAFuture(err)
	}
	if len(local) == 0 {
		return failedRMAFuture(errors.New("transport: RMA destination buffer must be non-empty"))
	}
	if err := p.dispatchFailure(); err != nil {
		return failedRMAFuture(err)
	}

	op := newOperation(p, OperationRMA, len(local), nil)
	req := &fi.RMARequest{
		Buffer:  local,
		Key:     remoteKey,
		Offset:  remoteAddr,
		Address: dest,
	}
	fctx, err := p.endpoint.PostRead(req)
	if err != nil {
		return failedRMAFuture(fmt.Errorf("post RMA read: %w", err))
	}
	p.stats.rmaPosted.Add(1)
	p.logf("transport: rma get posted size=%d remote_addr=0x%x remote_key=%d", len(local), remoteAddr, remoteKey)
	fctx.SetValue(op)
	return &RMAFuture{op: op, buf: local}
}

func failedRMAFuture(err error) *RMAFuture {
	op := &operation{done: make(chan struct{})}
	op.result = operationResult{err: err}
	op.completed = true
	close(op.done)
	return &RMAFuture{op: op}
}
