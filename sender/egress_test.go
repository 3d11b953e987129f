package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/wire"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []uint64
}

func (f *fakeTransport) SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	env, err := wire.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	var body wire.StfAnnounceReply
	if err := wire.DecodeBody(env.Body, &body); err != nil {
		return err
	}
	f.sent = append(f.sent, uint64(env.CorrelationID))
	return nil
}

func (f *fakeTransport) snapshot() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.sent...)
}

func TestEgressPreservesPerBuilderOrder(t *testing.T) {
	ft := &fakeTransport{}
	eg := NewEgress(ft, nil, 0)
	defer eg.Close()

	const n = 50
	for i := uint64(0); i < n; i++ {
		body, err := wire.EncodeBody(wire.StfAnnounceReply{Accepted: true})
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		env := wire.Envelope{Method: wire.MethodStfAnnounce, CorrelationID: i, Reply: true, Body: body}
		if err := eg.Send(context.Background(), "builder-1", fi.Address(1), wire.TagControl, env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ft.snapshot()) == n {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := ft.snapshot()
	if len(got) != n {
		t.Fatalf("expected %d sends, got %d", n, len(got))
	}
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("order violated at index %d: got %d want %d (full: %v)", i, v, i, got)
		}
	}
}

func TestEgressCloseBuilderAllowsReconnect(t *testing.T) {
	ft := &fakeTransport{}
	eg := NewEgress(ft, nil, 0)
	defer eg.Close()

	env := wire.Envelope{Method: wire.MethodStfAnnounce}
	if err := eg.Send(context.Background(), "builder-1", fi.Address(1), wire.TagControl, env); err != nil {
		t.Fatalf("send: %v", err)
	}
	eg.CloseBuilder("builder-1")

	// A builder reconnecting under the same ID gets a fresh queue rather
	// than inheriting the closed one.
	if err := eg.Send(context.Background(), "builder-1", fi.Address(1), wire.TagControl, env); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
}
