package scheduler

import (
	"strings"
	"testing"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
)

func TestBuilderRegistrySelectsLowestRatio(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("b1", tf.Capacity{TotalBytes: 1000, ReservedBytes: 500})
	r.Connect("b2", tf.Capacity{TotalBytes: 1000, ReservedBytes: 100})
	r.Connect("b3", tf.Capacity{TotalBytes: 1000, ReservedBytes: 900})

	chosen, ok := r.Select(50)
	if !ok {
		t.Fatal("expected a builder to be selected")
	}
	if chosen != "b2" {
		t.Fatalf("expected b2 (lowest ratio), got %s", chosen)
	}
}

func TestBuilderRegistryTieBreaksByInFlightThenID(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("bZ", tf.Capacity{TotalBytes: 1000, ReservedBytes: 0, InFlightTfs: 2})
	r.Connect("bA", tf.Capacity{TotalBytes: 1000, ReservedBytes: 0, InFlightTfs: 2})
	r.Connect("bM", tf.Capacity{TotalBytes: 1000, ReservedBytes: 0, InFlightTfs: 1})

	chosen, ok := r.Select(10)
	if !ok {
		t.Fatal("expected a builder to be selected")
	}
	if chosen != "bM" {
		t.Fatalf("expected bM (fewest in-flight), got %s", chosen)
	}
}

func TestBuilderRegistryExcludesInsufficientCapacity(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("b1", tf.Capacity{TotalBytes: 100, ReservedBytes: 90})

	if _, ok := r.Select(50); ok {
		t.Fatal("expected no builder to be selected when none has enough free capacity")
	}
}

func TestBuilderRegistryExcludesRecentFailure(t *testing.T) {
	r := NewBuilderRegistry(time.Minute)
	r.Connect("b1", tf.Capacity{TotalBytes: 1000})
	r.ReportFailure("b1")

	if _, ok := r.Select(10); ok {
		t.Fatal("expected builder with recent failure to be excluded")
	}
}

func TestBuilderRegistrySelectReservesCapacity(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("b1", tf.Capacity{TotalBytes: 1000})

	chosen, ok := r.Select(300)
	if !ok || chosen != "b1" {
		t.Fatalf("expected b1 selected, got %s ok=%v", chosen, ok)
	}
	capacity, _ := r.Capacity("b1")
	if capacity.ReservedBytes != 300 || capacity.InFlightTfs != 1 {
		t.Fatalf("unexpected capacity after select: %+v", capacity)
	}

	r.Release("b1", 300)
	capacity, _ = r.Capacity("b1")
	if capacity.ReservedBytes != 0 || capacity.InFlightTfs != 0 {
		t.Fatalf("unexpected capacity after release: %+v", capacity)
	}
}

func TestBuilderRegistryDisconnectExcludesFromSelection(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("b1", tf.Capacity{TotalBytes: 1000})
	if err := r.Disconnect([]string{"b1"}); err != nil {
		t.Fatalf("disconnect known builder: %v", err)
	}

	if _, ok := r.Select(10); ok {
		t.Fatal("expected disconnected builder to be excluded")
	}
}

func TestBuilderRegistryDisconnectAggregatesUnknownIDs(t *testing.T) {
	r := NewBuilderRegistry(0)
	r.Connect("b1", tf.Capacity{TotalBytes: 1000})

	err := r.Disconnect([]string{"b1", "ghost-1", "ghost-2"})
	if err == nil {
		t.Fatal("expected an aggregated error for the unknown builder ids")
	}
	if !strings.Contains(err.Error(), "ghost-1") || !strings.Contains(err.Error(), "ghost-2") {
		t.Fatalf("expected both unknown ids named in error, got: %v", err)
	}
	if _, ok := r.Select(10); ok {
		t.Fatal("expected the known builder to still be disconnected")
	}
}
