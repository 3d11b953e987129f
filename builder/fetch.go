package builder

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// Transport is the subset of transport.Transport the fetch pool needs.
type Transport interface {
	SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error
	RecvTagged(ctx context.Context, tag uint64, buf []byte) (*transport.TaggedMessage, error)
	RMAGet(ctx context.Context, dest fi.Address, local []byte, remoteAddr uint64, remoteKey uint64) *transport.RMAFuture
}

var _ Transport = (*transport.Peer)(nil)
var _ Transport = (*transport.FallbackPeer)(nil)

// SenderDirectory resolves a sender ID to the fi.Address a FetchRequest
// should be posted to — owned by whatever layer tracks connected peers
// (cmd/tf-builder wires an AddressBook, which Handler fills from the
// sender addresses each BuildInstruction carries).
type SenderDirectory interface {
	Address(senderID string) (fi.Address, bool)
}

// FetchPool is the bounded worker pool that pulls one timeframe's
// fragments from every sender that holds a piece of it. It caps
// concurrency per sender (so one slow sender can't starve requests aimed
// at others sharing the pool) using golang.org/x/sync/semaphore, and fans
// the per-sender fetches out with golang.org/x/sync/errgroup so a single
// sender failure cancels the rest of that timeframe's fetch.
type FetchPool struct {
	transport   Transport
	senders     SenderDirectory
	builderID   string
	perSenderCap int64

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// NewFetchPool constructs a FetchPool with perSenderCap concurrent
// in-flight fetches per sender (default 4 when <= 0).
func NewFetchPool(t Transport, senders SenderDirectory, builderID string, perSenderCap int64) *FetchPool {
	if perSenderCap <= 0 {
		perSenderCap = 4
	}
	return &FetchPool{
		transport:    t,
		senders:      senders,
		builderID:    builderID,
		perSenderCap: perSenderCap,
		sems:         make(map[string]*semaphore.Weighted),
	}
}

func (p *FetchPool) semFor(senderID string) *semaphore.Weighted {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	sem, ok := p.sems[senderID]
	if !ok {
		sem = semaphore.NewWeighted(p.perSenderCap)
		p.sems[senderID] = sem
	}
	return sem
}

// Fetch pulls every fragment of admitted from its senders, RMA-reading
// each part described by the sender's FetchRequestReply metadata, and
// returns the assembled bytes keyed by equipment ID.
func (p *FetchPool) Fetch(ctx context.Context, admitted AdmittedTf) (map[tf.EquipmentID][]byte, error) {
	results := make(map[tf.EquipmentID][]byte)
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, senderID := range admitted.SenderIDs {
		senderID := senderID
		g.Go(func() error {
			sem := p.semFor(senderID)
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			senderTfID := admitted.TfID
			if id, ok := admitted.SenderTfIDs[senderID]; ok {
				senderTfID = id
			}
			fetched, err := p.fetchFromSender(gctx, senderID, senderTfID)
			if err != nil {
				return fmt.Errorf("builder: fetch from sender %s for tf %s: %w", senderID, admitted.TfID, err)
			}
			resultsMu.Lock()
			for equip, data := range fetched {
				results[equip] = data
			}
			resultsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchFromSender issues one FetchRequest to senderID. tfID is the id
// senderID itself knows the fragment by — equal to the builder's own
// tracking id for an ordinary TF, but the sender's original stream-local
// counter for a topology TF (see AdmittedTf.SenderTfIDs).
func (p *FetchPool) fetchFromSender(ctx context.Context, senderID string, tfID tf.ID) (map[tf.EquipmentID][]byte, error) {
	addr, ok := p.senders.Address(senderID)
	if !ok {
		return nil, tf.Classify(tf.ErrPeerGone, fmt.Errorf("builder: no address known for sender %s", senderID))
	}

	body, err := wire.EncodeBody(wire.FetchRequestRequest{BuilderID: p.builderID, TfID: tfID})
	if err != nil {
		return nil, err
	}
	req := wire.Envelope{Method: wire.MethodFetchRequest, CorrelationID: uint64(tfID), Body: body}
	payload, err := wire.EncodeEnvelope(req)
	if err != nil {
		return nil, err
	}
	if err := p.transport.SendTagged(ctx, addr, wire.TagControl, payload); err != nil {
		return nil, tf.Classify(tf.ErrTransient, err)
	}

	replyBuf := make([]byte, 64*1024)
	msg, err := p.transport.RecvTagged(ctx, wire.TagControl, replyBuf)
	if err != nil {
		return nil, tf.Classify(tf.ErrTransient, err)
	}
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		return nil, err
	}
	var reply wire.FetchRequestReply
	if err := wire.DecodeBody(env.Body, &reply); err != nil {
		return nil, err
	}
	if reply.Dropped {
		return nil, tf.Classify(tf.ErrData, fmt.Errorf("builder: sender %s dropped tf %s: %s", senderID, tfID, reply.Reason))
	}

	results := make(map[tf.EquipmentID][]byte, len(reply.Metadata.Parts))
	for i, part := range reply.Metadata.Parts {
		local := make([]byte, part.Length)
		future := p.transport.RMAGet(ctx, addr, local, part.RemoteAddr, part.RemoteKey)
		n, err := future.Await(ctx)
		if err != nil {
			return nil, tf.Classify(tf.ErrTransient, fmt.Errorf("builder: rma get part %d from sender %s: %w", i, senderID, err))
		}
		equip, err := wire.DecodePartHeader(part.Header)
		if err != nil {
			return nil, fmt.Errorf("builder: decode part header: %w", err)
		}
		results[equip] = local[:n]
	}
	return results, nil
}
