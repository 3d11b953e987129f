package builder

import (
	"context"
	"fmt"
	"sync/atomic"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// SchedulerAcker tells the scheduler a timeframe finished building, the
// ack spec §4.4's state diagram shows moving a record from Building to
// Done — the Merger itself has no scheduler dependency, so this is wired
// in at the cmd/tf-builder level around MergeFunc instead.
type SchedulerAcker struct {
	transport   SchedulerTransport
	scheduler   fi.Address
	builderID   string
	correlation atomic.Uint64
}

// NewSchedulerAcker constructs an acker over t, addressed at scheduler.
func NewSchedulerAcker(t SchedulerTransport, scheduler fi.Address, builderID string) *SchedulerAcker {
	return &SchedulerAcker{transport: t, scheduler: scheduler, builderID: builderID}
}

// Ack sends one BuildComplete call for tfID and waits for the scheduler's
// acknowledgment.
func (a *SchedulerAcker) Ack(ctx context.Context, tfID tf.ID) error {
	body, err := wire.EncodeBody(wire.BuildCompleteRequest{BuilderID: a.builderID, TfID: tfID})
	if err != nil {
		return fmt.Errorf("builder: encode build complete request: %w", err)
	}
	payload, err := wire.EncodeEnvelope(wire.Envelope{
		Method:        wire.MethodBuildComplete,
		CorrelationID: a.correlation.Add(1),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("builder: encode build complete envelope: %w", err)
	}
	if err := a.transport.SendTagged(ctx, a.scheduler, wire.TagControl, payload); err != nil {
		return fmt.Errorf("builder: send build complete: %w", err)
	}

	buf := make([]byte, 4096)
	msg, err := a.transport.RecvTagged(ctx, wire.TagControl, buf)
	if err != nil {
		return fmt.Errorf("builder: await build complete reply: %w", err)
	}
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		return fmt.Errorf("builder: decode build complete reply envelope: %w", err)
	}
	var reply wire.BuildCompleteReply
	if err := wire.DecodeBody(env.Body, &reply); err != nil {
		return fmt.Errorf("builder: decode build complete reply body: %w", err)
	}
	return nil
}
