package builder

import (
	"context"
	"testing"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/wire"
)

func envelopeFor(t *testing.T, method wire.Method, body any) wire.Envelope {
	t.Helper()
	b, err := wire.EncodeBody(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	return wire.Envelope{Method: method, CorrelationID: 11, Body: b}
}

func newTestPipeline(totalBytes uint64) *Pipeline {
	capacity := NewCapacity(totalBytes)
	fp := NewFetchPool(nil, staticSenderDirectory{}, "builder-1", 1)
	pacer := NewPacer(false)
	return NewPipeline(capacity, fp, pacer, fakeNumStfsQuerier{}, func(AdmittedTf, map[tf.EquipmentID][]byte) error {
		return nil
	}, 1, nil)
}

func TestHandlerBuildInstructionAdmits(t *testing.T) {
	pipeline := newTestPipeline(1000)
	defer pipeline.Stop()
	h := NewHandler(pipeline, nil, nil)

	env := envelopeFor(t, wire.MethodBuildInstruction, wire.BuildInstructionRequest{
		TfID: tf.ID(5), SenderIDs: []string{"sender-a"}, TotalBytes: 100,
	})
	replyEnv, err := h.Dispatch(env)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var buildReply wire.BuildInstructionReply
	if err := wire.DecodeBody(replyEnv.Body, &buildReply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !buildReply.Accepted {
		t.Fatal("expected build instruction accepted")
	}
	if snap := pipeline.Capacity.Snapshot(); snap.ReservedBytes != 100 || snap.InFlightTfs != 1 {
		t.Fatalf("unexpected capacity after admit: %+v", snap)
	}
}

func TestHandlerBuildInstructionRejectsOverCapacity(t *testing.T) {
	pipeline := newTestPipeline(10)
	defer pipeline.Stop()
	h := NewHandler(pipeline, nil, nil)

	env := envelopeFor(t, wire.MethodBuildInstruction, wire.BuildInstructionRequest{
		TfID: tf.ID(5), SenderIDs: []string{"sender-a"}, TotalBytes: 500,
	})
	replyEnv, err := h.Dispatch(env)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var buildReply wire.BuildInstructionReply
	if err := wire.DecodeBody(replyEnv.Body, &buildReply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if buildReply.Accepted {
		t.Fatal("expected build instruction rejected over capacity")
	}
}

func TestHandlerDropTfAfterAdmitReleasesCapacity(t *testing.T) {
	pipeline := newTestPipeline(1000)
	defer pipeline.Stop()
	h := NewHandler(pipeline, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = pipeline.Run(ctx)
	}()

	admitEnv := envelopeFor(t, wire.MethodBuildInstruction, wire.BuildInstructionRequest{
		TfID: tf.ID(1), SenderIDs: []string{"sender-a"}, TotalBytes: 100,
	})
	_, err := h.Dispatch(admitEnv)
	if err != nil {
		t.Fatalf("dispatch build instruction: %v", err)
	}

	// The fetch worker picks the admission up immediately and, since no
	// sender is actually reachable, fails fast and releases capacity on
	// its own — exercising the same release path a genuine DropTf race
	// would hit.
	time.Sleep(20 * time.Millisecond)

	dropEnv := envelopeFor(t, wire.MethodDropTf, wire.DropTfRequest{TfID: tf.ID(1), Reason: tf.DropReasonBuilderGone})
	replyEnv, err := h.Dispatch(dropEnv)
	if err != nil {
		t.Fatalf("dispatch drop: %v", err)
	}
	var dropReply wire.DropTfReply
	if err := wire.DecodeBody(replyEnv.Body, &dropReply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !dropReply.Dropped {
		t.Fatal("expected dropped=true")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := pipeline.Capacity.Snapshot(); snap.ReservedBytes == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected capacity released after drop, got %+v", pipeline.Capacity.Snapshot())
}

type fakeRegistrar struct {
	next fi.Address
}

func (f *fakeRegistrar) RegisterPeer(addr []byte) (fi.Address, error) {
	f.next++
	return f.next, nil
}

func TestHandlerBuildInstructionRegistersNewSenderAddresses(t *testing.T) {
	pipeline := newTestPipeline(1000)
	defer pipeline.Stop()
	addresses := NewAddressBook()
	registrar := &fakeRegistrar{}
	h := NewHandler(pipeline, addresses, registrar)

	env := envelopeFor(t, wire.MethodBuildInstruction, wire.BuildInstructionRequest{
		TfID:        tf.ID(9),
		SenderIDs:   []string{"sender-a"},
		TotalBytes:  50,
		SenderAddrs: map[string][]byte{"sender-a": {0x01, 0x02}},
	})
	if _, err := h.Dispatch(env); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	addr, ok := addresses.Address("sender-a")
	if !ok {
		t.Fatal("expected sender-a address registered")
	}
	if addr != fi.Address(1) {
		t.Fatalf("unexpected resolved address: %v", addr)
	}
}
