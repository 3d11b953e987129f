// Package scheduler implements the TF scheduler: per-timeframe state
// machines fed by sender announcements, a builder registry implementing
// the lowest-reserved-ratio selection policy, and the control-plane RPC
// handlers that tie them together.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// builderEntry is one builder's bookkeeping in the registry: its last
// reported capacity, connectivity, and recent-failure state.
type builderEntry struct {
	id           string
	capacity     tf.Capacity
	lastHeartbeat time.Time
	failedUntil  time.Time
	connected    bool
}

// BuilderRegistry tracks every builder connected to the partition and
// implements the selection policy from TfSchedulerInstanceRpc.cxx: the
// builder with the lowest ReservedBytes/TotalBytes ratio among those with
// free capacity and no recent failure, tied-broken by fewest in-flight
// timeframes, then by ID for determinism.
type BuilderRegistry struct {
	mu       sync.RWMutex
	builders map[string]*builderEntry
	// failureBackoff is how long a builder is excluded from selection
	// after a failed fetch/build attempt is reported against it.
	failureBackoff time.Duration
}

// NewBuilderRegistry constructs an empty registry. A zero failureBackoff
// disables the recent-failure exclusion.
func NewBuilderRegistry(failureBackoff time.Duration) *BuilderRegistry {
	return &BuilderRegistry{
		builders:       make(map[string]*builderEntry),
		failureBackoff: failureBackoff,
	}
}

// Connect registers builderID, or reactivates it if it had previously
// disconnected.
func (r *BuilderRegistry) Connect(builderID string, capacity tf.Capacity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[builderID]
	if !ok {
		e = &builderEntry{id: builderID}
		r.builders[builderID] = e
	}
	e.capacity = capacity
	e.connected = true
	e.lastHeartbeat = time.Now()
}

// Heartbeat updates a builder's reported capacity and liveness timestamp.
// It returns false if the builder was never connected.
func (r *BuilderRegistry) Heartbeat(builderID string, capacity tf.Capacity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[builderID]
	if !ok {
		return false
	}
	e.capacity = capacity
	e.lastHeartbeat = time.Now()
	return true
}

// ReportFailure excludes builderID from selection for failureBackoff,
// used when a BuildInstruction to that builder times out or errors.
func (r *BuilderRegistry) ReportFailure(builderID string) {
	if r.failureBackoff <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[builderID]
	if !ok {
		return
	}
	e.failedUntil = time.Now().Add(r.failureBackoff)
}

// Disconnect marks every builder in ids as disconnected, returning an
// errors.Join of one error per id that names a builder this registry has
// never heard of — spec's explicit requirement for DisconnectTfBuilder's
// error aggregation (Open Question 3), so a caller disconnecting a batch
// of builders learns about every unknown ID in a single call instead of
// only the first.
func (r *BuilderRegistry) Disconnect(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, id := range ids {
		e, ok := r.builders[id]
		if !ok {
			errs = append(errs, fmt.Errorf("scheduler: disconnect unknown builder %q", id))
			continue
		}
		e.connected = false
	}
	return errors.Join(errs...)
}

// Select returns the ID of the builder that should build a timeframe of
// size totalBytes, or false if no eligible builder exists.
func (r *BuilderRegistry) Select(totalBytes uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var candidates []*builderEntry
	for _, e := range r.builders {
		if !e.connected {
			continue
		}
		if !e.failedUntil.IsZero() && now.Before(e.failedUntil) {
			continue
		}
		free := e.capacity.TotalBytes - e.capacity.ReservedBytes
		if e.capacity.ReservedBytes > e.capacity.TotalBytes || free < totalBytes {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].capacity.Ratio(), candidates[j].capacity.Ratio()
		if ri != rj {
			return ri < rj
		}
		if candidates[i].capacity.InFlightTfs != candidates[j].capacity.InFlightTfs {
			return candidates[i].capacity.InFlightTfs < candidates[j].capacity.InFlightTfs
		}
		return candidates[i].id < candidates[j].id
	})

	chosen := candidates[0]
	chosen.capacity.ReservedBytes += totalBytes
	chosen.capacity.InFlightTfs++
	return chosen.id, true
}

// Release returns totalBytes and one in-flight slot to builderID, called
// once a timeframe finishes building or is dropped after assignment.
func (r *BuilderRegistry) Release(builderID string, totalBytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[builderID]
	if !ok {
		return
	}
	if e.capacity.ReservedBytes >= totalBytes {
		e.capacity.ReservedBytes -= totalBytes
	} else {
		e.capacity.ReservedBytes = 0
	}
	if e.capacity.InFlightTfs > 0 {
		e.capacity.InFlightTfs--
	}
}

// IDs returns every builder ID currently connected, sorted for
// determinism (used by GetPartitionState).
func (r *BuilderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.builders))
	for id, e := range r.builders {
		if e.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Capacity returns builderID's last reported capacity.
func (r *BuilderRegistry) Capacity(builderID string) (tf.Capacity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.builders[builderID]
	if !ok {
		return tf.Capacity{}, false
	}
	return e.capacity, true
}
