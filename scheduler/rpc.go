package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// Logger is the small logging surface the RPC handler needs — satisfied
// by a zap.SugaredLogger, among others.
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Dispatcher sends the scheduler's own outbound control RPCs —
// BuildInstruction to a chosen builder, DropTf to a sender or builder —
// kept as an interface (rather than a concrete transport.Peer) so the
// handler's dispatch logic can be tested without real RDMA, the same
// pattern builder.FetchPool uses for its Transport dependency.
type Dispatcher interface {
	SendBuildInstruction(ctx context.Context, builderID string, req wire.BuildInstructionRequest) (wire.BuildInstructionReply, error)
	SendDropTf(ctx context.Context, targetID string, req wire.DropTfRequest) (wire.DropTfReply, error)
}

// Handler dispatches incoming control-RPC envelopes to a Scheduler,
// issuing the scheduler's own outbound RPCs through Dispatcher when an
// announcement completes assignment. It is the control-plane counterpart
// to Scheduler's pure state-machine methods.
type Handler struct {
	Scheduler       *Scheduler
	BuilderLiveness *LivenessTracker
	SenderLiveness  *LivenessTracker
	Dispatcher      Dispatcher
	Logger          Logger

	mu      sync.Mutex
	state   tf.PartitionState
	message string
}

// NewHandler constructs a Handler in the Configuring partition state.
func NewHandler(s *Scheduler, dispatcher Dispatcher, logger Logger) *Handler {
	return &Handler{
		Scheduler:       s,
		BuilderLiveness: NewLivenessTracker(0),
		SenderLiveness:  NewLivenessTracker(0),
		Dispatcher:      dispatcher,
		Logger:          logger,
		state:           tf.PartitionConfiguring,
	}
}

// SetState transitions the partition's reported lifecycle state, called by
// cmd/tf-scheduler once the initial sender set is established (→
// Configured) and by Terminate (→ Terminating/Terminated).
func (h *Handler) SetState(state tf.PartitionState, message string) {
	h.mu.Lock()
	h.state = state
	h.message = message
	h.mu.Unlock()
}

func (h *Handler) snapshotState() (tf.PartitionState, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.message
}

// Dispatch decodes env's body by Method, invokes the corresponding
// Scheduler/Handler logic, and returns the reply Envelope (Reply=true,
// same CorrelationID) ready to send back under TagControl.
func (h *Handler) Dispatch(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	switch env.Method {
	case wire.MethodHeartbeat:
		return h.handleHeartbeat(env)
	case wire.MethodStfAnnounce:
		return h.handleStfAnnounce(ctx, env)
	case wire.MethodNumStfSenders:
		return h.handleNumStfSenders(env)
	case wire.MethodNumberOfStfs:
		return h.handleNumberOfStfs(env)
	case wire.MethodGetPartitionState:
		return h.handleGetPartitionState(env)
	case wire.MethodTerminatePartition:
		return h.handleTerminatePartition(env)
	case wire.MethodBuildComplete:
		return h.handleBuildComplete(env)
	default:
		return wire.Envelope{}, fmt.Errorf("scheduler: no handler for method %q", env.Method)
	}
}

func reply(env wire.Envelope, body any) (wire.Envelope, error) {
	b, err := wire.EncodeBody(body)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Method: env.Method, CorrelationID: env.CorrelationID, Reply: true, Body: b}, nil
}

func (h *Handler) handleHeartbeat(env wire.Envelope) (wire.Envelope, error) {
	var req wire.HeartbeatRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	if req.Capacity != nil {
		if !h.Scheduler.Builders.Heartbeat(req.ComponentID, *req.Capacity) {
			h.Scheduler.Builders.Connect(req.ComponentID, *req.Capacity)
		}
		h.BuilderLiveness.Touch(req.ComponentID)
	} else {
		h.Scheduler.ConnectSender(req.ComponentID)
		h.Scheduler.RegisterSenderAddress(req.ComponentID, req.Address)
		h.SenderLiveness.Touch(req.ComponentID)
	}
	return reply(env, wire.HeartbeatReply{SenderSetVersion: h.Scheduler.SenderSetVersion()})
}

func (h *Handler) handleStfAnnounce(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	var req wire.StfAnnounceRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}

	var rec *tf.SchedulerRecord
	var err error
	if req.Topology {
		rec, err = h.Scheduler.AnnounceTopology(req.SenderID, req.TfID, req.TotalBytes)
		if err != nil {
			return reply(env, wire.StfAnnounceReply{Accepted: false, Reason: tf.DropReasonCapacity})
		}
	} else {
		expectedSenders := len(h.Scheduler.SenderIDs())
		if expectedSenders == 0 {
			expectedSenders = 1
		}
		frag := tf.StfFragment{TfID: req.TfID, Length: req.TotalBytes}
		rec, err = h.Scheduler.Announce(req.SenderID, frag, expectedSenders)
		if err != nil {
			return reply(env, wire.StfAnnounceReply{Accepted: false, Reason: tf.DropReasonOutOfOrder})
		}
	}

	if rec.State == tf.SchedulerDropped {
		if h.Dispatcher != nil {
			go h.dispatchDropToOtherSenders(ctx, *rec, req.SenderID)
		}
		return reply(env, wire.StfAnnounceReply{Accepted: false, Reason: rec.DropReason})
	}

	if rec.State == tf.SchedulerAssigning && h.Dispatcher != nil {
		go h.dispatchBuildInstruction(ctx, *rec)
	}
	return reply(env, wire.StfAnnounceReply{Accepted: true})
}

func (h *Handler) dispatchBuildInstruction(ctx context.Context, rec tf.SchedulerRecord) {
	senderIDs := make([]string, 0, len(rec.Announced))
	senderAddrs := make(map[string][]byte, len(rec.Announced))
	senderTfIDs := make(map[string]tf.ID, len(rec.Announced))
	for senderID, frag := range rec.Announced {
		senderIDs = append(senderIDs, senderID)
		if addr, ok := h.Scheduler.SenderAddress(senderID); ok {
			senderAddrs[senderID] = addr
		}
		senderTfIDs[senderID] = frag.TfID
	}
	buildReply, err := h.Dispatcher.SendBuildInstruction(ctx, rec.BuilderID, wire.BuildInstructionRequest{
		TfID:        rec.TfID,
		SenderIDs:   senderIDs,
		TotalBytes:  rec.TotalBytes,
		SenderAddrs: senderAddrs,
		SenderTfIDs: senderTfIDs,
	})
	if err != nil || !buildReply.Accepted {
		if h.Logger != nil {
			h.Logger.Errorf("scheduler: build instruction for tf %s to builder %s failed: %v", rec.TfID, rec.BuilderID, err)
		}
		h.Scheduler.Builders.ReportFailure(rec.BuilderID)
		_ = h.Scheduler.Drop(rec.TfID, tf.DropReasonBuilderGone)
		return
	}
	if err := h.Scheduler.MarkBuilding(rec.TfID); err != nil && h.Logger != nil {
		h.Logger.Errorf("scheduler: mark building tf %s: %v", rec.TfID, err)
	}
}

// dispatchDropToOtherSenders tells every sender that already announced
// rec besides the one whose own announcement just tipped it into Dropped
// (that sender learns via its synchronous StfAnnounceReply instead) to
// free its fragment, so a capacity rejection releases every contributing
// sender's buffer rather than just the last one to announce.
func (h *Handler) dispatchDropToOtherSenders(ctx context.Context, rec tf.SchedulerRecord, excludeSenderID string) {
	for senderID := range rec.Announced {
		if senderID == excludeSenderID {
			continue
		}
		if _, err := h.Dispatcher.SendDropTf(ctx, senderID, wire.DropTfRequest{TfID: rec.TfID, Reason: rec.DropReason}); err != nil && h.Logger != nil {
			h.Logger.Errorf("scheduler: drop tf %s to sender %s: %v", rec.TfID, senderID, err)
		}
	}
}

func (h *Handler) handleNumStfSenders(env wire.Envelope) (wire.Envelope, error) {
	return reply(env, wire.NumStfSendersReply{Count: uint64(len(h.Scheduler.SenderIDs()))})
}

// handleBuildComplete moves a finished timeframe from Building to Done
// and releases its scheduler-side record, the ack spec §4.4's state
// diagram shows completing the Building state.
func (h *Handler) handleBuildComplete(env wire.Envelope) (wire.Envelope, error) {
	var req wire.BuildCompleteRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	if err := h.Scheduler.Complete(req.TfID); err != nil && h.Logger != nil {
		h.Logger.Errorf("scheduler: build complete for tf %s from builder %s: %v", req.TfID, req.BuilderID, err)
	}
	h.Scheduler.Forget(req.TfID)
	return reply(env, wire.BuildCompleteReply{Acknowledged: true})
}

func (h *Handler) handleNumberOfStfs(env wire.Envelope) (wire.Envelope, error) {
	var req wire.NumberOfStfsRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	return reply(env, wire.NumberOfStfsReply{Count: h.Scheduler.CountBuilding(req.BuilderID)})
}

func (h *Handler) handleGetPartitionState(env wire.Envelope) (wire.Envelope, error) {
	state, message := h.snapshotState()
	return reply(env, wire.GetPartitionStateReply{
		PartitionID:      h.Scheduler.PartitionID,
		State:            state,
		Message:          message,
		SenderIDs:        h.Scheduler.SenderIDs(),
		BuilderIDs:       h.Scheduler.Builders.IDs(),
		SenderSetVersion: h.Scheduler.SenderSetVersion(),
	})
}

func (h *Handler) handleTerminatePartition(env wire.Envelope) (wire.Envelope, error) {
	var req wire.TerminatePartitionRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	h.SetState(tf.PartitionTerminating, req.Reason)
	return reply(env, wire.TerminatePartitionReply{Acknowledged: true})
}

// SweepDeadSenders disconnects every sender LivenessTracker reports dead.
// Timeframes such a sender was mid-announcing are not force-dropped here;
// they stay Gathering until SweepIncompleteGathering drops them as stale,
// since a sender can reconnect under the same ID within T_dead's grace
// window in the common restart case.
func (h *Handler) SweepDeadSenders() {
	for _, senderID := range h.SenderLiveness.Sweep() {
		h.Scheduler.DisconnectSender(senderID)
	}
}

// SweepDeadBuilders releases every builder LivenessTracker reports dead,
// re-dropping their in-flight timeframes — spec §4.6's missed-heartbeat
// behavior. Intended to run on a periodic ticker in cmd/tf-scheduler.
func (h *Handler) SweepDeadBuilders(ctx context.Context) {
	for _, builderID := range h.BuilderLiveness.Sweep() {
		_ = h.Scheduler.Builders.Disconnect([]string{builderID})
		for _, tfID := range h.Scheduler.BuildingTfsFor(builderID) {
			rec, ok := h.Scheduler.Get(tfID)
			if err := h.Scheduler.Drop(tfID, tf.DropReasonBuilderGone); err != nil {
				continue
			}
			if !ok || h.Dispatcher == nil {
				continue
			}
			for senderID := range rec.Announced {
				if _, err := h.Dispatcher.SendDropTf(ctx, senderID, wire.DropTfRequest{TfID: tfID, Reason: tf.DropReasonBuilderGone}); err != nil && h.Logger != nil {
					h.Logger.Errorf("scheduler: drop tf %s to sender %s on dead builder %s: %v", tfID, senderID, builderID, err)
				}
			}
		}
	}
}

// SweepIncompleteGathering drops every timeframe that has sat in
// SchedulerGathering longer than maxAge — some expected sender never
// announced it — and tells every sender that did announce to free its
// fragment. Intended to run on a periodic ticker in cmd/tf-scheduler
// alongside SweepDeadBuilders/SweepDeadSenders.
func (h *Handler) SweepIncompleteGathering(ctx context.Context, maxAge time.Duration) {
	for _, rec := range h.Scheduler.StaleGathering(maxAge) {
		if err := h.Scheduler.Drop(rec.TfID, tf.DropReasonIncomplete); err != nil {
			continue
		}
		if h.Dispatcher == nil {
			continue
		}
		for senderID := range rec.Announced {
			if _, err := h.Dispatcher.SendDropTf(ctx, senderID, wire.DropTfRequest{TfID: rec.TfID, Reason: tf.DropReasonIncomplete}); err != nil && h.Logger != nil {
				h.Logger.Errorf("scheduler: drop incomplete tf %s to sender %s: %v", rec.TfID, senderID, err)
			}
		}
	}
}
