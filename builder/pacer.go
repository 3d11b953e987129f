package builder

import (
	"sync"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// partialTf is one in-progress timeframe's merge-map entry: the fragments
// fetched so far, keyed by equipment, plus whatever the admission stage
// already knew about its shape.
type partialTf struct {
	admitted AdmittedTf
	fetched  map[tf.EquipmentID][]byte
	complete bool
}

// PacerEventKind distinguishes the three events TfBuilderInput.cxx's pacer
// thread processes.
type PacerEventKind int

const (
	// PacerEventAdd introduces a newly-admitted timeframe to the merge map.
	PacerEventAdd PacerEventKind = iota
	// PacerEventInfo delivers a fetched equipment's bytes for a timeframe
	// already in the merge map.
	PacerEventInfo
	// PacerEventDelete removes a timeframe from the merge map without
	// merging it (used for DropTf).
	PacerEventDelete
)

// PacerEvent is one unit pushed through the pacer's single input channel.
type PacerEvent struct {
	Kind     PacerEventKind
	Admitted AdmittedTf
	TfID     tf.ID
	Equip    tf.EquipmentID
	Data     []byte
}

// Pacer is the single-goroutine owner of the merge map (mStfMergeMap in
// the original), processing ADD/INFO/DELETE events from one channel. The
// map is still guarded by mu, because the merger reads it through
// TakeForMerge from its own goroutine. It discards any ADD whose ID is
// not greater than lastBuilt — the Open Question 1 resolution also
// applied on the sender side (see DESIGN.md) — and, once the number of
// fetched equipments for a timeframe reaches the number of senders
// admission named, it signals readyCh so the merger can pick it up.
type Pacer struct {
	mu          sync.Mutex
	merge       map[tf.ID]*partialTf
	lastBuilt   tf.ID
	hasBuilt    bool
	events      chan PacerEvent
	readyCh     chan tf.ID
	retainFirst bool
	firstSeen   map[tf.EquipmentID]struct{}
	stop        chan struct{}
	wg          sync.WaitGroup
}

// NewPacer constructs a Pacer. retainFirstFragmentPerEquipment implements
// the empty-trigger filter supplement from original_source (Open
// Question 2): when true, the first fragment seen per equipment is always
// retained even if later fragments for the same equipment within a
// timeframe would otherwise supersede it.
func NewPacer(retainFirstFragmentPerEquipment bool) *Pacer {
	p := &Pacer{
		merge:       make(map[tf.ID]*partialTf),
		events:      make(chan PacerEvent, 256),
		readyCh:     make(chan tf.ID, 16),
		retainFirst: retainFirstFragmentPerEquipment,
		firstSeen:   make(map[tf.EquipmentID]struct{}),
		stop:        make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Events returns the channel callers push PacerEvent values into.
func (p *Pacer) Events() chan<- PacerEvent {
	return p.events
}

// Ready returns the channel of timeframe IDs whose fetched set is
// complete and ready for the merger.
func (p *Pacer) Ready() <-chan tf.ID {
	return p.readyCh
}

// Close stops the pacer's goroutine.
func (p *Pacer) Close() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pacer) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case evt := <-p.events:
			p.handle(evt)
		}
	}
}

func (p *Pacer) handle(evt PacerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch evt.Kind {
	case PacerEventAdd:
		if p.hasBuilt && evt.Admitted.TfID <= p.lastBuilt {
			return
		}
		p.merge[evt.Admitted.TfID] = &partialTf{
			admitted: evt.Admitted,
			fetched:  make(map[tf.EquipmentID][]byte),
		}
	case PacerEventInfo:
		pt, ok := p.merge[evt.TfID]
		if !ok {
			return
		}
		if p.retainFirst {
			if _, seen := p.firstSeen[evt.Equip]; !seen {
				p.firstSeen[evt.Equip] = struct{}{}
			} else if _, already := pt.fetched[evt.Equip]; already {
				return
			}
		}
		pt.fetched[evt.Equip] = evt.Data
		if len(pt.fetched) >= len(pt.admitted.SenderIDs) && !pt.complete {
			pt.complete = true
			select {
			case p.readyCh <- evt.TfID:
			default:
				go func(id tf.ID) { p.readyCh <- id }(evt.TfID)
			}
		}
	case PacerEventDelete:
		delete(p.merge, evt.TfID)
	}
}

// TakeForMerge removes and returns tfID's partial state once the merger is
// ready to assemble it.
func (p *Pacer) TakeForMerge(tfID tf.ID) (AdmittedTf, map[tf.EquipmentID][]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.merge[tfID]
	if !ok {
		return AdmittedTf{}, nil, false
	}
	delete(p.merge, tfID)
	if tfID > p.lastBuilt || !p.hasBuilt {
		p.lastBuilt = tfID
		p.hasBuilt = true
	}
	return pt.admitted, pt.fetched, true
}
