package builder

import (
	"fmt"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// PeerRegistrar inserts a raw provider address into a transport peer's
// address vector — satisfied by *transport.Peer. Kept as an interface
// (rather than a concrete transport.Peer) for the same testability reason
// every other control-plane dependency in this repo is.
type PeerRegistrar interface {
	RegisterPeer(addr []byte) (fi.Address, error)
}

// Handler dispatches the two control RPCs a builder receives —
// BuildInstruction from the scheduler and DropTf from the scheduler —
// against a Pipeline, registering any sender addresses a BuildInstruction
// introduces for the first time.
type Handler struct {
	Pipeline  *Pipeline
	Addresses *AddressBook
	Registrar PeerRegistrar
}

// NewHandler constructs a Handler over pipeline. addresses and registrar
// may be nil if the builder's FetchPool already has every sender address
// it needs by some other means (e.g. in tests).
func NewHandler(pipeline *Pipeline, addresses *AddressBook, registrar PeerRegistrar) *Handler {
	return &Handler{Pipeline: pipeline, Addresses: addresses, Registrar: registrar}
}

// Dispatch decodes env's body by Method and returns the reply envelope.
func (h *Handler) Dispatch(env wire.Envelope) (wire.Envelope, error) {
	switch env.Method {
	case wire.MethodBuildInstruction:
		return h.handleBuildInstruction(env)
	case wire.MethodDropTf:
		return h.handleDropTf(env)
	default:
		return wire.Envelope{}, fmt.Errorf("builder: no handler for method %q", env.Method)
	}
}

func reply(env wire.Envelope, body any) (wire.Envelope, error) {
	b, err := wire.EncodeBody(body)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{Method: env.Method, CorrelationID: env.CorrelationID, Reply: true, Body: b}, nil
}

func (h *Handler) handleBuildInstruction(env wire.Envelope) (wire.Envelope, error) {
	var req wire.BuildInstructionRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	if h.Addresses != nil && h.Registrar != nil {
		for senderID, addr := range req.SenderAddrs {
			if _, known := h.Addresses.Address(senderID); known {
				continue
			}
			fiAddr, err := h.Registrar.RegisterPeer(addr)
			if err != nil {
				return wire.Envelope{}, fmt.Errorf("builder: register sender %s: %w", senderID, err)
			}
			h.Addresses.Set(senderID, fiAddr)
		}
	}
	err := h.Pipeline.Admit(req.TfID, req.SenderIDs, req.TotalBytes, req.SenderTfIDs)
	return reply(env, wire.BuildInstructionReply{Accepted: err == nil})
}

func (h *Handler) handleDropTf(env wire.Envelope) (wire.Envelope, error) {
	var req wire.DropTfRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		return wire.Envelope{}, err
	}
	h.Pipeline.Drop(req.TfID)
	return reply(env, wire.DropTfReply{Dropped: true})
}
