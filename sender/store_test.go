package sender

import (
	"errors"
	"testing"

	"github.com/rocketbitz/tf-pipeline/tf"
)

func TestStoreBufferRejectsOutOfOrder(t *testing.T) {
	s := NewStore(nil)

	if err := s.Buffer(tf.ID(5), []tf.StfFragment{{TfID: 5, Equipment: tf.EquipmentID{Origin: "TPC"}}}); err != nil {
		t.Fatalf("buffer tf 5: %v", err)
	}
	if err := s.Buffer(tf.ID(5), nil); err == nil {
		t.Fatal("expected rejection of non-increasing tf id (equal)")
	} else if !errors.Is(err, tf.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
	if err := s.Buffer(tf.ID(3), nil); err == nil {
		t.Fatal("expected rejection of non-increasing tf id (lower)")
	}
	if err := s.Buffer(tf.ID(6), nil); err != nil {
		t.Fatalf("buffer tf 6: %v", err)
	}
}

func TestStoreBufferRejectsDuplicateEquipment(t *testing.T) {
	s := NewStore(nil)
	frags := []tf.StfFragment{
		{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC", SubSpecification: 1}},
		{TfID: 1, Equipment: tf.EquipmentID{Origin: "TPC", SubSpecification: 1}},
	}
	if err := s.Buffer(tf.ID(1), frags); err == nil {
		t.Fatal("expected duplicate equipment rejection")
	} else if !errors.Is(err, tf.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore(nil)
	frag := tf.StfFragment{TfID: 10, Equipment: tf.EquipmentID{Origin: "TOF"}, Length: 128}
	if err := s.Buffer(tf.ID(10), []tf.StfFragment{frag}); err != nil {
		t.Fatalf("buffer: %v", err)
	}

	rec, ok := s.Get(tf.ID(10))
	if !ok || rec.State != tf.SenderBuffered {
		t.Fatalf("unexpected record after buffer: %+v ok=%v", rec, ok)
	}

	if _, err := s.MarkRequested(tf.ID(10), "builder-1"); err != nil {
		t.Fatalf("mark requested: %v", err)
	}
	rec, _ = s.Get(tf.ID(10))
	if rec.State != tf.SenderRequested || rec.Requester != "builder-1" {
		t.Fatalf("unexpected record after request: %+v", rec)
	}

	if err := s.MarkSent(tf.ID(10)); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	rec, _ = s.Get(tf.ID(10))
	if rec.State != tf.SenderSent {
		t.Fatalf("unexpected record after sent: %+v", rec)
	}

	s.Forget(tf.ID(10))
	if _, ok := s.Get(tf.ID(10)); ok {
		t.Fatal("expected record to be forgotten after terminal state")
	}
}

func TestStoreMarkRequestedUnknownTf(t *testing.T) {
	s := NewStore(nil)
	if _, err := s.MarkRequested(tf.ID(99), "builder-1"); err == nil {
		t.Fatal("expected error for unknown tf")
	}
}
