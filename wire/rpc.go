package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// Method names the nine control RPCs exchanged between components. Spec's
// external interface table leaves the wire format implementation-defined;
// this module carries every RPC as a cbor-encoded Envelope over a tagged
// message sent under TagControl, rather than generating gRPC stubs (gRPC
// itself is explicitly out of scope).
type Method string

const (
	MethodHeartbeat          Method = "Heartbeat"
	MethodStfAnnounce        Method = "StfAnnounce"
	MethodBuildInstruction   Method = "BuildInstruction"
	MethodFetchRequest       Method = "FetchRequest"
	MethodNumberOfStfs       Method = "NumberOfStfs"
	MethodDropTf             Method = "DropTf"
	MethodGetPartitionState  Method = "GetPartitionState"
	MethodTerminatePartition Method = "TerminatePartition"
	MethodNumStfSenders      Method = "NumStfSenders"
	MethodBuildComplete      Method = "BuildComplete"
)

// Envelope is the outer frame for every control RPC. Request envelopes
// carry Reply == false; a peer answers by sending an envelope with the same
// CorrelationID and Reply == true.
type Envelope struct {
	Method        Method
	CorrelationID uint64
	Reply         bool
	ErrorMessage  string
	Body          cbor.RawMessage
}

// EncodeEnvelope marshals env for transmission under TagControl.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	b, err := cbor.Marshal(env)
	if err != nil {
		return nil, tf.Classify(tf.ErrData, fmt.Errorf("wire: encode envelope: %w", err))
	}
	return b, nil
}

// DecodeEnvelope unmarshals an Envelope received under TagControl.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, tf.Classify(tf.ErrData, fmt.Errorf("wire: decode envelope: %w", err))
	}
	return env, nil
}

// EncodeBody cbor-encodes v into an Envelope's Body.
func EncodeBody(v any) (cbor.RawMessage, error) {
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, tf.Classify(tf.ErrData, fmt.Errorf("wire: encode body: %w", err))
	}
	return cbor.RawMessage(b), nil
}

// DecodeBody cbor-decodes an Envelope's Body into v.
func DecodeBody(body cbor.RawMessage, v any) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return tf.Classify(tf.ErrData, fmt.Errorf("wire: decode body: %w", err))
	}
	return nil
}

// HeartbeatRequest is sent periodically by senders and builders to the
// scheduler to prove liveness and report capacity.
type HeartbeatRequest struct {
	ComponentID string
	Capacity    *tf.Capacity // non-nil for builders, nil for senders
	Address     []byte       // raw provider address, so the scheduler can act as the address-exchange directory
}

// HeartbeatReply carries the scheduler's current partition generation so a
// component can detect it has missed a topology change.
type HeartbeatReply struct {
	SenderSetVersion uint64
}

// StfAnnounceRequest is sent by a sender to the scheduler once it has
// buffered every fragment of a timeframe.
type StfAnnounceRequest struct {
	SenderID   string
	TfID       tf.ID
	TotalBytes uint64
	// Topology marks a topology-origin fragment (spec §4.4 "Topology
	// TFs"): TfID is the sender's own stream-local counter, rewritten by
	// the scheduler to a sequential ID owned by whichever builder holds
	// that sender's topology stream, and the record is assigned
	// immediately rather than waiting on every other sender.
	Topology bool
}

// StfAnnounceReply acknowledges the announcement; Accepted is false when
// the scheduler rejects it as out of order (see sender.Store.Announce).
type StfAnnounceReply struct {
	Accepted bool
	Reason   tf.DropReason
}

// BuildInstructionRequest is sent by the scheduler to the chosen builder,
// naming every sender that holds a fragment of TfID.
type BuildInstructionRequest struct {
	TfID       tf.ID
	SenderIDs  []string
	TotalBytes uint64
	// SenderAddrs carries the raw provider address of every sender in
	// SenderIDs the builder hasn't already registered, so it can reach
	// them without a separate bootstrap round trip.
	SenderAddrs map[string][]byte
	// SenderTfIDs carries, per sender, the tf_id that sender itself
	// buffered the fragment under. For an ordinary TF this always equals
	// TfID; for a topology TF (spec §4.4) TfID has been rewritten to the
	// builder-owned sequential counter the scheduler and builder track
	// internally, while the originating sender still knows its fragment
	// only by its own stream-local counter — this is what FetchRequest
	// must carry to that sender instead of TfID.
	SenderTfIDs map[string]tf.ID
}

// BuildInstructionReply acknowledges receipt; the builder performs the
// actual fetch asynchronously.
type BuildInstructionReply struct {
	Accepted bool
}

// FetchRequestRequest is sent by a builder to a sender to pull one
// timeframe's fragments.
type FetchRequestRequest struct {
	BuilderID string
	TfID      tf.ID
}

// FetchRequestReply carries the metadata header describing where the
// builder can RMA-get the fragment bytes, or an error classification if
// the sender no longer has the timeframe.
type FetchRequestReply struct {
	Metadata Metadata
	Dropped  bool
	Reason   tf.DropReason
}

// NumberOfStfsRequest asks a builder how many timeframes it currently has
// buffered ahead of the merger, used by the scheduler's liveness checks.
type NumberOfStfsRequest struct {
	BuilderID string
}

// NumberOfStfsReply reports the count.
type NumberOfStfsReply struct {
	Count uint64
}

// DropTfRequest instructs a sender or builder to discard a timeframe
// without building it (used for late scheduler decisions and shutdown).
type DropTfRequest struct {
	TfID   tf.ID
	Reason tf.DropReason
}

// DropTfReply acknowledges the drop.
type DropTfReply struct {
	Dropped bool
}

// GetPartitionStateRequest asks the scheduler for a snapshot of the
// partition: connected senders/builders and their capacities.
type GetPartitionStateRequest struct{}

// GetPartitionStateReply is the scheduler's snapshot: the coarse
// partition-lifecycle state spec's external interface table requires,
// plus the connected sender/builder sets that back it.
type GetPartitionStateReply struct {
	PartitionID      string
	State            tf.PartitionState
	Message          string
	SenderIDs        []string
	BuilderIDs       []string
	SenderSetVersion uint64
}

// TerminatePartitionRequest tells every component to drain in-flight
// timeframes and shut down.
type TerminatePartitionRequest struct {
	Reason string
}

// TerminatePartitionReply acknowledges the termination request.
type TerminatePartitionReply struct {
	Acknowledged bool
}

// NumStfSendersRequest asks the scheduler how many senders are currently
// registered, used by builders sizing their fetch pool.
type NumStfSendersRequest struct{}

// NumStfSendersReply reports the count.
type NumStfSendersReply struct {
	Count uint64
}

// BuildCompleteRequest is sent by a builder to the scheduler once the
// merger has finished assembling a timeframe — the "builder B acks
// completion" transition in spec §4.4's scheduler state diagram that
// moves a record from Building to Done.
type BuildCompleteRequest struct {
	BuilderID string
	TfID      tf.ID
}

// BuildCompleteReply acknowledges the completion.
type BuildCompleteReply struct {
	Acknowledged bool
}
