package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/tf"
	"github.com/rocketbitz/tf-pipeline/transport"
)

func TestPipelineAdmitFetchesAndMerges(t *testing.T) {
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

	go serveFetchRequest(t, senderSide, tf.ID(3), tf.EquipmentID{Origin: "TPC"}, []byte("fragment-bytes"))

	capacity := NewCapacity(10000)
	fp := NewFetchPool(rt, senders, "builder-1", 1)
	pacer := NewPacer(false)
	defer pacer.Close()

	var mu sync.Mutex
	var merged []tf.ID
	mergeFn := func(admitted AdmittedTf, fetched map[tf.EquipmentID][]byte) error {
		mu.Lock()
		merged = append(merged, admitted.TfID)
		mu.Unlock()
		if string(fetched[tf.EquipmentID{Origin: "TPC"}]) != "fragment-bytes" {
			t.Errorf("unexpected merged fragment: %q", fetched[tf.EquipmentID{Origin: "TPC"}])
		}
		return nil
	}

	pipeline := NewPipeline(capacity, fp, pacer, fakeNumStfsQuerier{}, mergeFn, 2, nil)
	defer pipeline.Stop()

	go func() {
		if err := pipeline.Run(ctx); err != nil {
			t.Errorf("pipeline run: %v", err)
		}
	}()

	if err := pipeline.Admit(tf.ID(3), []string{"sender-a"}, 14, nil); err != nil {
		t.Fatalf("admit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(merged)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(merged) != 1 || merged[0] != tf.ID(3) {
		t.Fatalf("expected tf 3 merged exactly once, got %v", merged)
	}
	if snap := capacity.Snapshot(); snap.ReservedBytes != 0 || snap.InFlightTfs != 0 {
		t.Fatalf("expected capacity released after merge, got %+v", snap)
	}
}

func TestPipelineAdmitRejectsOverCapacity(t *testing.T) {
	capacity := NewCapacity(10)
	fp := NewFetchPool(nil, staticSenderDirectory{}, "builder-1", 1)
	pacer := NewPacer(false)
	defer pacer.Close()

	pipeline := NewPipeline(capacity, fp, pacer, fakeNumStfsQuerier{}, func(AdmittedTf, map[tf.EquipmentID][]byte) error {
		return nil
	}, 1, nil)
	defer pipeline.Stop()

	if err := pipeline.Admit(tf.ID(1), []string{"sender-a"}, 500, nil); err == nil {
		t.Fatal("expected admission to fail over capacity")
	}
}

func TestPipelineDropBeforeAdmitIsNoop(t *testing.T) {
	capacity := NewCapacity(1000)
	fp := NewFetchPool(nil, staticSenderDirectory{}, "builder-1", 1)
	pacer := NewPacer(false)
	defer pacer.Close()

	pipeline := NewPipeline(capacity, fp, pacer, fakeNumStfsQuerier{}, func(AdmittedTf, map[tf.EquipmentID][]byte) error {
		return nil
	}, 1, nil)
	defer pipeline.Stop()

	pipeline.Drop(tf.ID(42))
	if snap := capacity.Snapshot(); snap.ReservedBytes != 0 {
		t.Fatalf("expected no capacity change, got %+v", snap)
	}
}
