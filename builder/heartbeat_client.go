package builder

import (
	"context"
	"fmt"
	"sync/atomic"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// SchedulerTransport is the subset of transport.Peer/transport.FallbackPeer
// a builder's outbound scheduler calls need — the same send/recv-under-tag
// pattern FetchPool's Transport uses for senders, scoped down to what a
// synchronous control call requires.
type SchedulerTransport interface {
	SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error
	RecvTagged(ctx context.Context, tag uint64, buf []byte) (*transport.TaggedMessage, error)
}

var (
	_ SchedulerTransport = (*transport.Peer)(nil)
	_ SchedulerTransport = (*transport.FallbackPeer)(nil)
)

// HeartbeatClient periodically reports this builder's capacity to the
// scheduler over Heartbeat, the builder-side counterpart to
// scheduler.LivenessTracker's dead-after sweep.
type HeartbeatClient struct {
	transport   SchedulerTransport
	scheduler   fi.Address
	componentID string
	capacity    *Capacity

	correlationID atomic.Uint64
}

// NewHeartbeatClient constructs a client that reports capacity's current
// snapshot to scheduler on every Send call.
func NewHeartbeatClient(t SchedulerTransport, scheduler fi.Address, componentID string, capacity *Capacity) *HeartbeatClient {
	return &HeartbeatClient{transport: t, scheduler: scheduler, componentID: componentID, capacity: capacity}
}

// Send issues one Heartbeat call and returns the scheduler's reported
// sender-set version.
func (c *HeartbeatClient) Send(ctx context.Context) (uint64, error) {
	snapshot := c.capacity.Snapshot()
	req := wire.HeartbeatRequest{ComponentID: c.componentID, Capacity: &snapshot}
	body, err := wire.EncodeBody(req)
	if err != nil {
		return 0, fmt.Errorf("builder: encode heartbeat request: %w", err)
	}
	payload, err := wire.EncodeEnvelope(wire.Envelope{
		Method:        wire.MethodHeartbeat,
		CorrelationID: c.correlationID.Add(1),
		Body:          body,
	})
	if err != nil {
		return 0, fmt.Errorf("builder: encode heartbeat envelope: %w", err)
	}
	if err := c.transport.SendTagged(ctx, c.scheduler, wire.TagControl, payload); err != nil {
		return 0, fmt.Errorf("builder: send heartbeat: %w", err)
	}

	buf := make([]byte, 4096)
	msg, err := c.transport.RecvTagged(ctx, wire.TagControl, buf)
	if err != nil {
		return 0, fmt.Errorf("builder: await heartbeat reply: %w", err)
	}
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		return 0, fmt.Errorf("builder: decode heartbeat reply envelope: %w", err)
	}
	var reply wire.HeartbeatReply
	if err := wire.DecodeBody(env.Body, &reply); err != nil {
		return 0, fmt.Errorf("builder: decode heartbeat reply body: %w", err)
	}
	return reply.SenderSetVersion, nil
}
