package sender

import (
	"fmt"

	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// Handler dispatches the two control RPCs a sender receives —
// FetchRequest from a builder and DropTf from the scheduler — against a
// Store, and builds the wire.Metadata a builder needs to RMA-get a
// timeframe's fragments.
type Handler struct {
	Store *Store
}

// NewHandler constructs a Handler over store.
func NewHandler(store *Store) *Handler {
	return &Handler{Store: store}
}

// Dispatch decodes env's body by Method and returns the reply envelope.
func (h *Handler) Dispatch(env wire.Envelope) (wire.Envelope, error) {
	switch env.Method {
	case wire.MethodFetchRequest:
		return h.handleFetchRequest(env)
	case wire.MethodDropTf:
		return h.handleDropTf(env)
	default:
		return wire.Envelope{}, fmt.Errorf("sender: no handler for method %q", env.Method)
	}
}

func reply(env wire.Envelope, body any) (wire.Envelope, error) {
	b, err := wire.EncodeBody(body)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Method: env.Method, CorrelationID: env.CorrelationID, Reply: true, Body: b}, nil
}

func (h *Handler) handleFetchRequest(env wire.Envelope) (wire.Envelope, error) {
	var req wire.FetchRequestRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}

	rec, err := h.Store.MarkRequested(req.TfID, req.BuilderID)
	if err != nil {
		reason := tf.DropReasonSenderGone
		if existing, ok := h.Store.Get(req.TfID); ok && existing.State == tf.SenderDropped {
			reason = tf.DropReasonStale
		}
		return reply(env, wire.FetchRequestReply{Dropped: true, Reason: reason})
	}

	parts := make([]wire.PartDescriptor, 0, len(rec.Fragments))
	var total uint64
	for _, frag := range rec.Fragments {
		header, err := wire.EncodePartHeader(frag.Equipment)
		if err != nil {
			return wire.Envelope{}, fmt.Errorf("sender: encode part header for tf %s: %w", req.TfID, err)
		}
		parts = append(parts, wire.PartDescriptor{
			RemoteAddr: frag.RemoteAddr,
			RemoteKey:  frag.RemoteKey,
			Length:     frag.Length,
			Header:     header,
		})
		total += frag.Length
	}

	return reply(env, wire.FetchRequestReply{
		Metadata: wire.Metadata{TfID: req.TfID, TotalBytes: total, Parts: parts},
	})
}

func (h *Handler) handleDropTf(env wire.Envelope) (wire.Envelope, error) {
	var req wire.DropTfRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	h.Store.Drop(req.TfID)
	return reply(env, wire.DropTfReply{Dropped: true})
}
