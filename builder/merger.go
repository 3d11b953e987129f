package builder

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// tfHeap is a min-heap of tf.ID, giving the merger O(log n) access to the
// lowest outstanding timeframe.
type tfHeap []tf.ID

func (h tfHeap) Len() int            { return len(h) }
func (h tfHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h tfHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tfHeap) Push(x interface{}) { *h = append(*h, x.(tf.ID)) }
func (h *tfHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// NumStfsQuerier asks a builder's own scheduler-facing control client how
// many timeframes it reports outstanding; the merger calls it immediately
// before each merge. Run does not use the returned count: only an error
// from the call stops the merge loop, and the merge decision itself rests
// on the pacer's ready signal alone.
type NumStfsQuerier interface {
	NumberOfStfs(ctx context.Context) (uint64, error)
}

// MergeFunc assembles one timeframe's fetched fragments into whatever
// form the builder emits downstream (a complete STF object, a write to
// disk, a forward to the next stage — left to the caller since spec
// leaves the merged representation unspecified).
type MergeFunc func(admitted AdmittedTf, fetched map[tf.EquipmentID][]byte) error

// Merger runs only on the lowest outstanding tf_id, exactly as spec
// requires: Pending tracks every admitted-but-unmerged timeframe in a
// min-heap, and Run blocks on a condition variable signaled by Notify
// (called once the pacer reports a timeframe ready) until the lowest
// pending ID is the one that's ready.
type Merger struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending tfHeap
	ready   map[tf.ID]struct{}
	pacer   *Pacer
	querier NumStfsQuerier
	merge   MergeFunc
	capacity *Capacity
	stopped bool
}

// NewMerger constructs a Merger pulling ready timeframes from pacer,
// calling querier.NumberOfStfs before each merge, invoking merge to do
// the actual assembly, and releasing capacity once a merge completes. A
// dropped timeframe's capacity is not released here (Merger.Drop only
// forgets the ID); Pipeline.Drop releases it.
func NewMerger(pacer *Pacer, querier NumStfsQuerier, capacity *Capacity, merge MergeFunc) *Merger {
	m := &Merger{
		pending:  nil,
		ready:    make(map[tf.ID]struct{}),
		pacer:    pacer,
		querier:  querier,
		merge:    merge,
		capacity: capacity,
	}
	m.cond = sync.NewCond(&m.mu)
	heap.Init(&m.pending)
	return m
}

// Admit registers tfID as pending so the merger knows to wait for it
// before merging anything with a higher ID.
func (m *Merger) Admit(tfID tf.ID) {
	m.mu.Lock()
	heap.Push(&m.pending, tfID)
	m.mu.Unlock()
}

// Notify marks tfID ready (its fetched set is complete per the pacer) and
// wakes the merge loop.
func (m *Merger) Notify(tfID tf.ID) {
	m.mu.Lock()
	m.ready[tfID] = struct{}{}
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Drop removes tfID from the pending set without merging it, used when a
// DropTf instruction arrives for an admitted timeframe.
func (m *Merger) Drop(tfID tf.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ready, tfID)
	for i, id := range m.pending {
		if id == tfID {
			heap.Remove(&m.pending, i)
			break
		}
	}
}

// Stop unblocks Run permanently.
func (m *Merger) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Run blocks merging timeframes in tf_id order until Stop is called. It
// never runs on a goroutine the fetch/pace stages depend on, so a slow
// merge (or a slow NumberOfStfs RPC) never backs up RMA completions —
// spec's "never across an RMA wait" requirement.
func (m *Merger) Run(ctx context.Context) error {
	for {
		tfID, ok := m.waitForLowestReady()
		if !ok {
			return nil
		}

		if m.querier != nil {
			if _, err := m.querier.NumberOfStfs(ctx); err != nil {
				return fmt.Errorf("builder: merger NumberOfStfs check for tf %s: %w", tfID, err)
			}
		}

		admitted, fetched, ok := m.pacer.TakeForMerge(tfID)
		if !ok {
			m.mu.Lock()
			delete(m.ready, tfID)
			m.mu.Unlock()
			continue
		}

		err := m.merge(admitted, fetched)
		m.capacity.Release(admitted.TotalBytes)
		m.mu.Lock()
		delete(m.ready, tfID)
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("builder: merge tf %s: %w", tfID, err)
		}
	}
}

func (m *Merger) waitForLowestReady() (tf.ID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.stopped {
			return 0, false
		}
		if len(m.pending) == 0 {
			m.cond.Wait()
			continue
		}
		lowest := m.pending[0]
		if _, ready := m.ready[lowest]; ready {
			heap.Pop(&m.pending)
			return lowest, true
		}
		m.cond.Wait()
	}
}
