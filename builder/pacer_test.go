package builder

import (
	"testing"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
)

func TestPacerSignalsReadyOnceAllEquipmentFetched(t *testing.T) {
	p := NewPacer(true)
	defer p.Close()

	admitted := AdmittedTf{TfID: 1, SenderIDs: []string{"s1", "s2"}, TotalBytes: 200}
	p.Events() <- PacerEvent{Kind: PacerEventAdd, Admitted: admitted}

	p.Events() <- PacerEvent{Kind: PacerEventInfo, TfID: 1, Equip: tf.EquipmentID{Origin: "TPC"}, Data: []byte("a")}

	select {
	case <-p.Ready():
		t.Fatal("should not be ready with only one of two equipments fetched")
	case <-time.After(50 * time.Millisecond):
	}

	p.Events() <- PacerEvent{Kind: PacerEventInfo, TfID: 1, Equip: tf.EquipmentID{Origin: "TOF"}, Data: []byte("b")}

	select {
	case id := <-p.Ready():
		if id != 1 {
			t.Fatalf("unexpected ready id: %v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected tf 1 to become ready")
	}

	admittedOut, fetched, ok := p.TakeForMerge(tf.ID(1))
	if !ok {
		t.Fatal("expected TakeForMerge to find tf 1")
	}
	if admittedOut.TotalBytes != 200 {
		t.Fatalf("unexpected admitted: %+v", admittedOut)
	}
	if len(fetched) != 2 {
		t.Fatalf("expected 2 fetched equipments, got %d", len(fetched))
	}
}

func TestPacerDiscardsStaleAdd(t *testing.T) {
	p := NewPacer(true)
	defer p.Close()

	p.Events() <- PacerEvent{Kind: PacerEventAdd, Admitted: AdmittedTf{TfID: 5, SenderIDs: []string{"s1"}}}
	p.Events() <- PacerEvent{Kind: PacerEventInfo, TfID: 5, Equip: tf.EquipmentID{Origin: "TPC"}, Data: []byte("x")}
	<-p.Ready()
	if _, _, ok := p.TakeForMerge(tf.ID(5)); !ok {
		t.Fatal("expected tf 5 to be mergeable")
	}

	// tf 3 arrives after tf 5 has already been merged (reordering); it
	// must be discarded, not re-added to the merge map.
	p.Events() <- PacerEvent{Kind: PacerEventAdd, Admitted: AdmittedTf{TfID: 3, SenderIDs: []string{"s1"}}}
	time.Sleep(20 * time.Millisecond)
	if _, _, ok := p.TakeForMerge(tf.ID(3)); ok {
		t.Fatal("expected stale tf 3 to have been discarded")
	}
}

func TestPacerDelete(t *testing.T) {
	p := NewPacer(false)
	defer p.Close()

	p.Events() <- PacerEvent{Kind: PacerEventAdd, Admitted: AdmittedTf{TfID: 1, SenderIDs: []string{"s1"}}}
	p.Events() <- PacerEvent{Kind: PacerEventDelete, TfID: 1}
	time.Sleep(20 * time.Millisecond)
	if _, _, ok := p.TakeForMerge(tf.ID(1)); ok {
		t.Fatal("expected deleted tf to be absent from merge map")
	}
}
