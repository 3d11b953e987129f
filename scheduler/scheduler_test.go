package scheduler

import (
	"testing"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
)

func TestSchedulerAnnounceAssignsOnceAllSendersReport(t *testing.T) {
	s := New(0)
	s.Builders.Connect("b1", tf.Capacity{TotalBytes: 1000})

	frag1 := tf.StfFragment{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC"}, Length: 100}
	frag2 := tf.StfFragment{TfID: 1, Equipment: tf.EquipmentID{Origin: "TOF"}, Length: 100}

	rec, err := s.Announce("sender-a", frag1, 2)
	if err != nil {
		t.Fatalf("announce 1: %v", err)
	}
	if rec.State != tf.SchedulerGathering {
		t.Fatalf("expected still gathering, got %s", rec.State)
	}

	rec, err = s.Announce("sender-b", frag2, 2)
	if err != nil {
		t.Fatalf("announce 2: %v", err)
	}
	if rec.State != tf.SchedulerAssigning {
		t.Fatalf("expected assigning after all senders reported, got %s", rec.State)
	}
	if rec.BuilderID != "b1" {
		t.Fatalf("expected b1 assigned, got %s", rec.BuilderID)
	}
	if rec.TotalBytes != 200 {
		t.Fatalf("expected total bytes 200, got %d", rec.TotalBytes)
	}
}

func TestSchedulerAnnounceDropsWhenNoBuilderCapacity(t *testing.T) {
	s := New(0)
	s.Builders.Connect("b1", tf.Capacity{TotalBytes: 50})

	frag := tf.StfFragment{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC"}, Length: 100}
	rec, err := s.Announce("sender-a", frag, 1)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if rec.State != tf.SchedulerDropped {
		t.Fatalf("expected dropped for capacity exhaustion, got %s", rec.State)
	}
	if rec.DropReason != tf.DropReasonCapacity {
		t.Fatalf("expected capacity drop reason, got %s", rec.DropReason)
	}
}

func TestSchedulerCompleteReleasesCapacity(t *testing.T) {
	s := New(0)
	s.Builders.Connect("b1", tf.Capacity{TotalBytes: 1000})

	frag := tf.StfFragment{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC"}, Length: 100}
	if _, err := s.Announce("sender-a", frag, 1); err != nil {
		t.Fatalf("announce: %v", err)
	}

	if err := s.Complete(tf.ID(1)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	capacity, _ := s.Builders.Capacity("b1")
	if capacity.ReservedBytes != 0 || capacity.InFlightTfs != 0 {
		t.Fatalf("expected capacity released, got %+v", capacity)
	}
}

func TestSchedulerSenderSetVersionBumpsOnTopologyChange(t *testing.T) {
	s := New(0)
	v0 := s.SenderSetVersion()
	s.ConnectSender("sender-a")
	v1 := s.SenderSetVersion()
	if v1 == v0 {
		t.Fatal("expected version bump on connect")
	}
	s.DisconnectSender("sender-a")
	v2 := s.SenderSetVersion()
	if v2 == v1 {
		t.Fatal("expected version bump on disconnect")
	}
}

func TestSchedulerAnnounceRejectsDoubleGathering(t *testing.T) {
	s := New(0)
	s.Builders.Connect("b1", tf.Capacity{TotalBytes: 1000})
	frag := tf.StfFragment{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC"}, Length: 100}

	if _, err := s.Announce("sender-a", frag, 1); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if _, err := s.Announce("sender-b", frag, 1); err == nil {
		t.Fatal("expected error announcing to an already-assigned tf")
	}
}

func TestAnnounceTopologyRewritesToSequentialIDAndAssignsImmediately(t *testing.T) {
	s := New(0)
	s.Builders.Connect("builder-1", tf.Capacity{TotalBytes: 1000})

	rec, err := s.AnnounceTopology("sender-a", tf.ID(700), 64)
	if err != nil {
		t.Fatalf("announce topology: %v", err)
	}
	if rec.State != tf.SchedulerAssigning {
		t.Fatalf("expected immediate assignment, got %s", rec.State)
	}
	if rec.BuilderID != "builder-1" {
		t.Fatalf("expected builder-1 assigned, got %s", rec.BuilderID)
	}
	if rec.TfID != 0 {
		t.Fatalf("expected first topology tf rewritten to sequential id 0, got %s", rec.TfID)
	}
	if frag := rec.Announced["sender-a"]; frag.TfID != tf.ID(700) {
		t.Fatalf("expected sender's original tf id 700 preserved in Announced, got %s", frag.TfID)
	}

	rec2, err := s.AnnounceTopology("sender-a", tf.ID(701), 32)
	if err != nil {
		t.Fatalf("announce topology 2: %v", err)
	}
	if rec2.TfID != 1 {
		t.Fatalf("expected second topology tf rewritten to sequential id 1, got %s", rec2.TfID)
	}
	if rec2.BuilderID != "builder-1" {
		t.Fatalf("expected the stream's owner to stick across topology tfs, got %s", rec2.BuilderID)
	}
	if frag := rec2.Announced["sender-a"]; frag.TfID != tf.ID(701) {
		t.Fatalf("expected sender's original tf id 701 preserved in Announced, got %s", frag.TfID)
	}
}

func TestTopologyAssignerMonotonic(t *testing.T) {
	s := New(0)
	a := s.TopologyAssigner("sender-a", "builder-1")
	id0, owner0 := a.Next()
	id1, owner1 := a.Next()
	if id1 != id0+1 {
		t.Fatalf("expected monotonic ids, got %d then %d", id0, id1)
	}
	if owner0 != "builder-1" || owner1 != "builder-1" {
		t.Fatalf("unexpected owner: %s %s", owner0, owner1)
	}

	a.Reassign("builder-2")
	_, owner2 := a.Next()
	if owner2 != "builder-2" {
		t.Fatalf("expected reassigned owner, got %s", owner2)
	}
}

func TestLivenessTrackerSweep(t *testing.T) {
	l := NewLivenessTracker(10 * time.Millisecond)
	l.Touch("sender-a")
	time.Sleep(30 * time.Millisecond)

	dead := l.Sweep()
	if len(dead) != 1 || dead[0] != "sender-a" {
		t.Fatalf("expected sender-a reported dead, got %v", dead)
	}
	if len(l.Sweep()) != 0 {
		t.Fatal("expected sweep to be idempotent after removal")
	}
}
