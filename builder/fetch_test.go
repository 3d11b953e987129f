package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

type staticSenderDirectory map[string]fi.Address

func (d staticSenderDirectory) Address(senderID string) (fi.Address, bool) {
	a, ok := d[senderID]
	return a, ok
}

// routedTransport dispatches by fi.Address to one of several
// FallbackPeers, letting a single FetchPool (which holds exactly one
// Transport) reach multiple point-to-point fallback connections the way
// a real RDM endpoint reaches multiple senders over one Peer.
type routedTransport struct {
	byAddr map[fi.Address]*transport.FallbackPeer
}

func (r *routedTransport) peerFor(dest fi.Address) *transport.FallbackPeer {
	return r.byAddr[dest]
}

func (r *routedTransport) SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	return r.peerFor(dest).SendTagged(ctx, dest, tag, payload)
}

func (r *routedTransport) RecvTagged(ctx context.Context, tag uint64, buf []byte) (*transport.TaggedMessage, error) {
	return nil, context.DeadlineExceeded
}

func (r *routedTransport) RMAGet(ctx context.Context, dest fi.Address, local []byte, remoteAddr uint64, remoteKey uint64) *transport.RMAFuture {
	return r.peerFor(dest).RMAGet(ctx, dest, local, remoteAddr, remoteKey)
}

// recvRoutedTransport wraps routedTransport but resolves RecvTagged
// against whichever peer the fetch pool most recently sent to, since
// fetchFromSender always sends then immediately receives from the same
// sender within one goroutine.
type recvRoutedTransport struct {
	*routedTransport
	lastMu sync.Mutex
	last   fi.Address
}

func newRecvRoutedTransport(byAddr map[fi.Address]*transport.FallbackPeer) *recvRoutedTransport {
	return &recvRoutedTransport{routedTransport: &routedTransport{byAddr: byAddr}}
}

func (r *recvRoutedTransport) SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	r.lastMu.Lock()
	r.last = dest
	r.lastMu.Unlock()
	return r.routedTransport.SendTagged(ctx, dest, tag, payload)
}

func (r *recvRoutedTransport) RecvTagged(ctx context.Context, tag uint64, buf []byte) (*transport.TaggedMessage, error) {
	r.lastMu.Lock()
	dest := r.last
	r.lastMu.Unlock()
	return r.peerFor(dest).RecvTagged(ctx, tag, buf)
}

// serveFetchRequest plays the sender side of one FetchRequest/FetchReply
// exchange over a FallbackPeer, publishing payload under a region the
// reply's metadata points at.
func serveFetchRequest(t *testing.T, peer *transport.FallbackPeer, tfID tf.ID, equip tf.EquipmentID, payload []byte) {
	t.Helper()
	buf := make([]byte, 64*1024)
	msg, err := peer.RecvTagged(context.Background(), wire.TagControl, buf)
	if err != nil {
		t.Errorf("sender side RecvTagged: %v", err)
		return
	}
	env, err := wire.DecodeEnvelope(msg.Payload)
	if err != nil {
		t.Errorf("sender side DecodeEnvelope: %v", err)
		return
	}
	var req wire.FetchRequestRequest
	if err := wire.DecodeBody(env.Body, &req); err != nil {
		t.Errorf("sender side DecodeBody: %v", err)
		return
	}
	if req.TfID != tfID {
		t.Errorf("sender side got tf %v, want %v", req.TfID, tfID)
	}

	key := peer.PublishBytes(payload)
	header, err := wire.EncodePartHeader(equip)
	if err != nil {
		t.Errorf("encode part header: %v", err)
		return
	}
	reply := wire.FetchRequestReply{
		Metadata: wire.Metadata{
			TfID:       tfID,
			TotalBytes: uint64(len(payload)),
			Parts: []wire.PartDescriptor{
				{RemoteAddr: 0, RemoteKey: key, Length: uint64(len(payload)), Header: header},
			},
		},
	}
	body, err := wire.EncodeBody(reply)
	if err != nil {
		t.Errorf("encode reply body: %v", err)
		return
	}
	replyEnv := wire.Envelope{Method: wire.MethodFetchRequest, CorrelationID: env.CorrelationID, Body: body}
	payloadBytes, err := wire.EncodeEnvelope(replyEnv)
	if err != nil {
		t.Errorf("encode reply envelope: %v", err)
		return
	}
	if err := peer.SendTagged(context.Background(), fi.AddressUnspecified, wire.TagControl, payloadBytes); err != nil {
		t.Errorf("sender side SendTagged: %v", err)
	}
}

func TestFetchPoolFetchesFromMultipleSenders(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	builderSideA, senderSideA, closeA, err := transport.DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("dial pair a: %v", err)
	}
	defer closeA()
	builderSideB, senderSideB, closeB, err := transport.DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("dial pair b: %v", err)
	}
	defer closeB()

	addrA := fi.Address(1)
	addrB := fi.Address(2)

	senders := staticSenderDirectory{
		"sender-a": addrA,
		"sender-b": addrB,
	}

	rt := newRecvRoutedTransport(map[fi.Address]*transport.FallbackPeer{
		addrA: builderSideA,
		addrB: builderSideB,
	})

	go serveFetchRequest(t, senderSideA, tf.ID(7), tf.EquipmentID{Origin: "TPC"}, []byte("tpc-fragment"))
	go serveFetchRequest(t, senderSideB, tf.ID(7), tf.EquipmentID{Origin: "TOF"}, []byte("tof-fragment"))

	fp := NewFetchPool(rt, senders, "builder-1", 1)

	fetched, err := fp.Fetch(ctx, AdmittedTf{TfID: 7, SenderIDs: []string{"sender-a", "sender-b"}, TotalBytes: 24})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(fetched[tf.EquipmentID{Origin: "TPC"}]) != "tpc-fragment" {
		t.Fatalf("unexpected TPC fragment: %q", fetched[tf.EquipmentID{Origin: "TPC"}])
	}
	if string(fetched[tf.EquipmentID{Origin: "TOF"}]) != "tof-fragment" {
		t.Fatalf("unexpected TOF fragment: %q", fetched[tf.EquipmentID{Origin: "TOF"}])
	}
}

func TestFetchPoolPropagatesSenderDroppedError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	builderSide, senderSide, closeFn, err := transport.DialFallbackPair(ctx)
	if err != nil {
		t.Fatalf("dial pair: %v", err)
	}
	defer closeFn()

	addr := fi.Address(1)
	senders := staticSenderDirectory{"sender-a": addr}
	rt := newRecvRoutedTransport(map[fi.Address]*transport.FallbackPeer{addr: builderSide})

	go func() {
		buf := make([]byte, 64*1024)
		msg, err := senderSide.RecvTagged(context.Background(), wire.TagControl, buf)
		if err != nil {
			t.Errorf("sender recv: %v", err)
			return
		}
		env, err := wire.DecodeEnvelope(msg.Payload)
		if err != nil {
			t.Errorf("decode envelope: %v", err)
			return
		}
		reply := wire.FetchRequestReply{Dropped: true, Reason: tf.DropReasonStale}
		body, err := wire.EncodeBody(reply)
		if err != nil {
			t.Errorf("encode reply: %v", err)
			return
		}
		replyEnv := wire.Envelope{Method: wire.MethodFetchRequest, CorrelationID: env.CorrelationID, Body: body}
		payload, err := wire.EncodeEnvelope(replyEnv)
		if err != nil {
			t.Errorf("encode reply envelope: %v", err)
			return
		}
		if err := senderSide.SendTagged(context.Background(), fi.AddressUnspecified, wire.TagControl, payload); err != nil {
			t.Errorf("sender send: %v", err)
		}
	}()

	fp := NewFetchPool(rt, senders, "builder-1", 1)
	_, err = fp.Fetch(ctx, AdmittedTf{TfID: 9, SenderIDs: []string{"sender-a"}, TotalBytes: 10})
	if err == nil {
		t.Fatal("expected error when sender reports dropped tf")
	}
}
