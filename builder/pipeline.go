package builder

import (
	"context"
	"fmt"
	"sync"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// Logger is the small logging surface the pipeline needs — satisfied by a
// zap.SugaredLogger, among others.
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Pipeline wires Admission, FetchPool, Pacer, and Merger into the single
// four-stage flow TfBuilderInput.cxx runs: a BuildInstruction is admitted
// (capacity reserved), handed to a bounded pool of fetch workers that RMA
// the fragments, fed into the pacer's merge map as they arrive, and merged
// once the pacer reports the set complete and the merger's heap says it's
// the lowest outstanding ID.
type Pipeline struct {
	Capacity  *Capacity
	Admission *Admission
	Fetch     *FetchPool
	Pacer     *Pacer
	Merger    *Merger
	Logger    Logger

	admitted     chan AdmittedTf
	fetchWorkers int

	mu      sync.Mutex
	tracked map[tf.ID]uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewPipeline constructs a Pipeline, wrapping mergeFn so a completed merge
// untracks its admission bookkeeping before releasing capacity. fetchWorkers
// bounds how many timeframes are fetched concurrently (each fetch itself
// fans out across senders via FetchPool's own per-sender semaphores); it
// defaults to 4 when <= 0.
func NewPipeline(capacity *Capacity, fetch *FetchPool, pacer *Pacer, querier NumStfsQuerier, mergeFn MergeFunc, fetchWorkers int, logger Logger) *Pipeline {
	if fetchWorkers <= 0 {
		fetchWorkers = 4
	}
	admitted := make(chan AdmittedTf, 64)
	p := &Pipeline{
		Capacity:     capacity,
		Admission:    NewAdmission(capacity, admitted),
		Fetch:        fetch,
		Pacer:        pacer,
		Logger:       logger,
		admitted:     admitted,
		fetchWorkers: fetchWorkers,
		tracked:      make(map[tf.ID]uint64),
		stop:         make(chan struct{}),
	}
	p.Merger = NewMerger(pacer, querier, capacity, func(a AdmittedTf, fetched map[tf.EquipmentID][]byte) error {
		p.untrack(a.TfID)
		return mergeFn(a, fetched)
	})
	return p
}

// Run starts the fetch-worker pool, the pacer-ready relay, and the merger
// loop, blocking until ctx is done or Stop is called.
func (p *Pipeline) Run(ctx context.Context) error {
	p.wg.Add(p.fetchWorkers + 1)
	for i := 0; i < p.fetchWorkers; i++ {
		go p.fetchWorker(ctx)
	}
	go p.relayReady()

	err := p.Merger.Run(ctx)
	p.Stop()
	p.wg.Wait()
	return err
}

// Stop unblocks every pipeline goroutine, including the merger.
func (p *Pipeline) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.Merger.Stop()
}

func (p *Pipeline) fetchWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case admitted := <-p.admitted:
			p.mu.Lock()
			p.tracked[admitted.TfID] = admitted.TotalBytes
			p.mu.Unlock()
			p.Merger.Admit(admitted.TfID)
			p.Pacer.Events() <- PacerEvent{Kind: PacerEventAdd, Admitted: admitted}
			p.runFetch(ctx, admitted)
		}
	}
}

func (p *Pipeline) runFetch(ctx context.Context, admitted AdmittedTf) {
	fetched, err := p.Fetch.Fetch(ctx, admitted)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Errorf("builder: fetch tf %s failed: %v", admitted.TfID, err)
		}
		p.Pacer.Events() <- PacerEvent{Kind: PacerEventDelete, TfID: admitted.TfID}
		p.Merger.Drop(admitted.TfID)
		p.untrack(admitted.TfID)
		p.Capacity.Rollback(admitted.TotalBytes)
		return
	}
	for equip, data := range fetched {
		p.Pacer.Events() <- PacerEvent{Kind: PacerEventInfo, TfID: admitted.TfID, Equip: equip, Data: data}
	}
}

func (p *Pipeline) untrack(tfID tf.ID) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total, ok := p.tracked[tfID]
	delete(p.tracked, tfID)
	return total, ok
}

func (p *Pipeline) relayReady() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case tfID := <-p.Pacer.Ready():
			p.Merger.Notify(tfID)
		}
	}
}

// Admit reserves capacity for tfID and enqueues it for fetching, returning
// the reservation error (if any) so a BuildInstruction handler can reply
// Accepted=false without blocking.
func (p *Pipeline) Admit(tfID tf.ID, senderIDs []string, totalBytes uint64, senderTfIDs map[string]tf.ID) error {
	if err := p.Admission.Admit(tfID, senderIDs, totalBytes, senderTfIDs); err != nil {
		return fmt.Errorf("builder: admit tf %s: %w", tfID, err)
	}
	return nil
}

// Drop removes tfID from the merger and pacer without merging it, and
// releases its capacity reservation if this pipeline had admitted it. Safe
// to call even if tfID was never admitted (a DropTf that races an
// in-flight BuildInstruction, or one that arrives before it).
func (p *Pipeline) Drop(tfID tf.ID) {
	p.Merger.Drop(tfID)
	p.Pacer.Events() <- PacerEvent{Kind: PacerEventDelete, TfID: tfID}
	if total, ok := p.untrack(tfID); ok {
		p.Capacity.Release(total)
	}
}
