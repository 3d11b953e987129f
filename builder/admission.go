// Package builder implements the TF builder's four-stage input pipeline:
// admission (capacity reservation), fetch (bounded RMA worker pool),
// pacing (reorder/merge-map bookkeeping), and merging (lowest-tf_id-first
// assembly), connected by buffered channels exactly as
// TfBuilderInput.cxx's threads are.
package builder

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// Capacity enforces the admission invariant
// {total_bytes, reserved_bytes, in_flight_tfs} with a single mutex, per
// spec §4.5.
type Capacity struct {
	mu    sync.Mutex
	total uint64
	state tf.Capacity
}

// NewCapacity constructs a Capacity budget of totalBytes.
func NewCapacity(totalBytes uint64) *Capacity {
	return &Capacity{total: totalBytes, state: tf.Capacity{TotalBytes: totalBytes}}
}

// Reserve admits a timeframe of size totalBytes, returning an
// "insufficient capacity" error classified as tf.ErrData if there isn't
// enough free budget.
func (c *Capacity) Reserve(totalBytes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := c.state.TotalBytes - c.state.ReservedBytes
	if c.state.ReservedBytes > c.state.TotalBytes || free < totalBytes {
		return tf.Classify(tf.ErrData, fmt.Errorf("builder: insufficient capacity: need %d, free %d", totalBytes, free))
	}
	c.state.ReservedBytes += totalBytes
	c.state.InFlightTfs++
	return nil
}

// Release returns totalBytes and one in-flight slot to the budget, called
// once a timeframe is merged or dropped.
func (c *Capacity) Release(totalBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.ReservedBytes >= totalBytes {
		c.state.ReservedBytes -= totalBytes
	} else {
		c.state.ReservedBytes = 0
	}
	if c.state.InFlightTfs > 0 {
		c.state.InFlightTfs--
	}
}

// Rollback is an alias for Release used when admission succeeded but a
// later pipeline stage failed before any bytes were actually fetched —
// named separately from Release to match the two call sites' intent in
// TfBuilderInput.cxx (merge-complete vs. abort-after-admit).
func (c *Capacity) Rollback(totalBytes uint64) {
	c.Release(totalBytes)
}

// Snapshot returns the current capacity state, used for heartbeats and
// the scheduler's selection policy input.
func (c *Capacity) Snapshot() tf.Capacity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Admission is the first pipeline stage: it reserves capacity for each
// incoming BuildInstruction before handing it to the fetch stage, and
// rejects (without blocking the caller) instructions that would exceed
// budget.
type Admission struct {
	capacity *Capacity
	out      chan<- AdmittedTf
}

// AdmittedTf is the unit of work Admission hands to FetchPool.
type AdmittedTf struct {
	TfID       tf.ID
	SenderIDs  []string
	TotalBytes uint64
	// SenderTfIDs carries, per sender, the tf_id to ask that sender for —
	// TfID itself for an ordinary TF, or the sender's own stream-local
	// counter for a topology TF whose TfID was rewritten by the scheduler.
	SenderTfIDs map[string]tf.ID
}

// NewAdmission constructs an Admission stage writing admitted work to out.
func NewAdmission(capacity *Capacity, out chan<- AdmittedTf) *Admission {
	return &Admission{capacity: capacity, out: out}
}

// Admit reserves totalBytes and, on success, enqueues the timeframe for
// fetching. It returns the reservation error directly so the caller can
// reply to the scheduler's BuildInstruction with Accepted=false.
func (a *Admission) Admit(tfID tf.ID, senderIDs []string, totalBytes uint64, senderTfIDs map[string]tf.ID) error {
	if err := a.capacity.Reserve(totalBytes); err != nil {
		return err
	}
	a.out <- AdmittedTf{TfID: tfID, SenderIDs: senderIDs, TotalBytes: totalBytes, SenderTfIDs: senderTfIDs}
	return nil
}
