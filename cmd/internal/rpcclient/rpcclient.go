// Package rpcclient provides the synchronous send-then-receive call
// pattern every component's outbound control RPC uses: encode a request
// as a wire.Envelope, post it under wire.TagControl, and block for the
// matching reply. It generalizes the pattern first written inline in
// builder.FetchPool.fetchFromSender to the scheduler's outbound
// BuildInstruction/DropTf and the sender/builder's outbound
// Heartbeat/StfAnnounce/GetPartitionState/TerminatePartition calls, so
// cmd/tf-scheduler, cmd/tf-sender, and cmd/tf-builder share one
// implementation instead of three near-identical copies.
package rpcclient

import (
	"context"
	"fmt"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// Transport is the subset of transport.Peer/transport.FallbackPeer a
// synchronous control call needs.
type Transport interface {
	SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error
	RecvTagged(ctx context.Context, tag uint64, buf []byte) (*transport.TaggedMessage, error)
}

var (
	_ Transport = (*transport.Peer)(nil)
	_ Transport = (*transport.FallbackPeer)(nil)
)

// ReplyBufferSize is the scratch buffer size used to receive a control
// reply. Every reply body in package wire is small (IDs, counters,
// short metadata headers); 64KiB comfortably covers a GetPartitionState
// reply or a FetchRequestReply with thousands of parts.
const ReplyBufferSize = 64 * 1024

// Call sends req as method under correlationID to dest, blocks for the
// matching reply, and decodes its body into reply. reply must be a
// pointer.
func Call(ctx context.Context, t Transport, dest fi.Address, method wire.Method, correlationID uint64, req any, reply any) error {
	body, err := wire.EncodeBody(req)
	if err != nil {
		return fmt.Errorf("rpcclient: encode %s request: %w", method, err)
	}
	payload, err := wire.EncodeEnvelope(wire.Envelope{Method: method, CorrelationID: correlationID, Body: body})
	if err != nil {
		return fmt.Errorf("rpcclient: encode %s envelope: %w", method, err)
	}
	if err := t.SendTagged(ctx, dest, wire.TagControl, payload); err != nil {
		return fmt.Errorf("rpcclient: send %s: %w", method, err)
	}

	buf := make([]byte, ReplyBufferSize)
	msg, err := t.RecvTagged(ctx, wire.TagControl, buf)
	if err != nil {
		return fmt.Errorf("rpcclient: await %s reply: %w", method, err)
	}
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		return fmt.Errorf("rpcclient: decode %s reply envelope: %w", method, err)
	}
	if err := wire.DecodeBody(env.Body, reply); err != nil {
		return fmt.Errorf("rpcclient: decode %s reply body: %w", method, err)
	}
	return nil
}
