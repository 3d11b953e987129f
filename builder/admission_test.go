package builder

import (
	"errors"
	"testing"

	"github.com/rocketbitz/tf-pipeline/tf"
)

func TestCapacityReserveAndRelease(t *testing.T) {
	c := NewCapacity(1000)
	if err := c.Reserve(400); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	snap := c.Snapshot()
	if snap.ReservedBytes != 400 || snap.InFlightTfs != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := c.Reserve(700); err == nil {
		t.Fatal("expected reservation to fail when exceeding budget")
	} else if !errors.Is(err, tf.ErrData) {
		t.Fatalf("expected ErrData, got %v", err)
	}

	c.Release(400)
	snap = c.Snapshot()
	if snap.ReservedBytes != 0 || snap.InFlightTfs != 0 {
		t.Fatalf("unexpected snapshot after release: %+v", snap)
	}
}

func TestAdmissionAdmitsAndEnqueues(t *testing.T) {
	c := NewCapacity(1000)
	out := make(chan AdmittedTf, 1)
	a := NewAdmission(c, out)

	if err := a.Admit(tf.ID(1), []string{"sender-a"}, 500, nil); err != nil {
		t.Fatalf("admit: %v", err)
	}

	select {
	case admitted := <-out:
		if admitted.TfID != 1 || admitted.TotalBytes != 500 {
			t.Fatalf("unexpected admitted: %+v", admitted)
		}
	default:
		t.Fatal("expected admitted tf to be enqueued")
	}
}

func TestAdmissionRejectsOverBudget(t *testing.T) {
	c := NewCapacity(100)
	out := make(chan AdmittedTf, 1)
	a := NewAdmission(c, out)

	if err := a.Admit(tf.ID(1), []string{"sender-a"}, 500, nil); err == nil {
		t.Fatal("expected admission to fail over budget")
	}
	select {
	case <-out:
		t.Fatal("expected nothing enqueued on rejected admission")
	default:
	}
}
