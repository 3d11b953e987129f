package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// shardCount partitions the tf.ID space so timeframes are processed
// concurrently without a single global mutex, grounded on
// TfSchedulerConnManager.cxx's per-connection locking pattern.
const shardCount = 16

type shard struct {
	mu      sync.Mutex
	records map[tf.ID]*tf.SchedulerRecord
}

// Scheduler holds the scheduler's view of every in-flight timeframe and
// the builder registry used to assign them.
type Scheduler struct {
	// PartitionID identifies this partition run for logging and for
	// clients that want to tell one scheduler instance apart from a
	// restarted successor with the same address.
	PartitionID string

	shards  [shardCount]*shard
	Builders *BuilderRegistry

	senderSetVersion atomic.Uint64
	senders          sync.Map // sender id -> struct{}
	senderAddrs      sync.Map // sender id -> []byte (raw provider address)

	topoMu   sync.Mutex
	topology map[string]*topologyAssigner
}

// New constructs a Scheduler with an empty builder registry and no
// in-flight timeframes.
func New(failureBackoff time.Duration) *Scheduler {
	s := &Scheduler{
		PartitionID: uuid.NewString(),
		Builders:    NewBuilderRegistry(failureBackoff),
		topology:    make(map[string]*topologyAssigner),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[tf.ID]*tf.SchedulerRecord)}
	}
	return s
}

func (s *Scheduler) shardFor(id tf.ID) *shard {
	return s.shards[uint64(id)%shardCount]
}

// ConnectSender registers a sender and bumps SenderSetVersion, so any
// timeframe record created afterward is stamped with a version that lets
// a builder or scheduler detect it started after the topology changed —
// the SenderSetVersion supplement from original_source described in
// DESIGN.md.
func (s *Scheduler) ConnectSender(senderID string) {
	if _, loaded := s.senders.LoadOrStore(senderID, struct{}{}); !loaded {
		s.senderSetVersion.Add(1)
	}
}

// DisconnectSender removes a sender and bumps SenderSetVersion.
func (s *Scheduler) DisconnectSender(senderID string) {
	if _, loaded := s.senders.LoadAndDelete(senderID); loaded {
		s.senderSetVersion.Add(1)
	}
}

// SenderSetVersion returns the current generation counter.
func (s *Scheduler) SenderSetVersion() uint64 {
	return s.senderSetVersion.Load()
}

// RegisterSenderAddress records senderID's raw provider address, learned
// from its Heartbeat, so a builder's BuildInstruction can carry every
// address it needs without a separate bootstrap round trip to each
// sender.
func (s *Scheduler) RegisterSenderAddress(senderID string, addr []byte) {
	if len(addr) == 0 {
		return
	}
	s.senderAddrs.Store(senderID, addr)
}

// SenderAddress returns senderID's last-known raw provider address.
func (s *Scheduler) SenderAddress(senderID string) ([]byte, bool) {
	v, ok := s.senderAddrs.Load(senderID)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// SenderIDs returns every currently connected sender ID, sorted for
// determinism (used by GetPartitionState and to size expectedSenders for
// Announce).
func (s *Scheduler) SenderIDs() []string {
	var ids []string
	s.senders.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// BuildingTfsFor returns every timeframe ID currently assigned to
// builderID and still in the Building state, used when a builder is
// declared dead and its in-flight work must be re-dropped.
func (s *Scheduler) BuildingTfsFor(builderID string) []tf.ID {
	var ids []tf.ID
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.records {
			if rec.BuilderID == builderID && rec.State == tf.SchedulerBuilding {
				ids = append(ids, id)
			}
		}
		sh.mu.Unlock()
	}
	return ids
}

// CountBuilding returns how many timeframes this scheduler currently has
// assigned to builderID in the Building state — the count a builder's
// NumberOfStfs call reports. The builder's merger makes that call before
// each merge but does not act on the count.
func (s *Scheduler) CountBuilding(builderID string) uint64 {
	var n uint64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.BuilderID == builderID && rec.State == tf.SchedulerBuilding {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Announce records that senderID holds fragment for tfID, transitioning
// the record through Gathering and, once every expected sender for this
// generation has announced, into Assigning by calling Builders.Select.
// The caller supplies expectedSenders (the number of senders that must
// announce before assignment is attempted) since only the caller — via
// NumStfSenders — knows the current partition topology.
func (s *Scheduler) Announce(senderID string, frag tf.StfFragment, expectedSenders int) (*tf.SchedulerRecord, error) {
	sh := s.shardFor(frag.TfID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[frag.TfID]
	if !ok {
		rec = &tf.SchedulerRecord{
			TfID:         frag.TfID,
			State:        tf.SchedulerGathering,
			Announced:    make(map[string]tf.StfFragment),
			CreatedAt:    time.Now(),
			SenderSetVer: s.SenderSetVersion(),
		}
		sh.records[frag.TfID] = rec
	}
	if rec.State != tf.SchedulerGathering {
		return rec, tf.Classify(tf.ErrData, fmt.Errorf("scheduler: tf %s already past gathering (state=%s)", frag.TfID, rec.State))
	}

	rec.Announced[senderID] = frag
	rec.TotalBytes += frag.TotalBytes()

	if len(rec.Announced) < expectedSenders {
		return rec, nil
	}

	builderID, ok := s.Builders.Select(rec.TotalBytes)
	if !ok {
		rec.State = tf.SchedulerDropped
		rec.DropReason = tf.DropReasonCapacity
		return rec, nil
	}
	rec.State = tf.SchedulerAssigning
	rec.BuilderID = builderID
	rec.AssignedAt = time.Now()
	return rec, nil
}

// AnnounceTopology records a topology-origin fragment from senderID,
// rewriting its sender-supplied stream-local counter to the next
// sequential ID owned by whichever builder currently holds that sender's
// topology stream. A topology TF never waits on other senders: it is
// assigned the moment it is announced, the first one for a stream picking
// an owner via Builders.Select the same way a normal TF would.
// originalTfID is the sender's own stream-local counter — preserved in
// the resulting record's Announced fragment (keyed by the *rewritten*
// tf.ID, the record's own TfID) so a later BuildInstruction can tell the
// builder which id to ask this sender for.
func (s *Scheduler) AnnounceTopology(senderID string, originalTfID tf.ID, totalBytes uint64) (*tf.SchedulerRecord, error) {
	s.topoMu.Lock()
	a, ok := s.topology[senderID]
	if !ok {
		builderID, selected := s.Builders.Select(totalBytes)
		if !selected {
			s.topoMu.Unlock()
			return nil, tf.Classify(tf.ErrData, fmt.Errorf("scheduler: no builder capacity for topology stream %q", senderID))
		}
		a = &topologyAssigner{ownerID: builderID}
		s.topology[senderID] = a
	}
	s.topoMu.Unlock()

	id, builderID := a.Next()

	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	now := time.Now()
	rec := &tf.SchedulerRecord{
		TfID:         id,
		State:        tf.SchedulerAssigning,
		Announced:    map[string]tf.StfFragment{senderID: {TfID: originalTfID, Length: totalBytes}},
		TotalBytes:   totalBytes,
		BuilderID:    builderID,
		CreatedAt:    now,
		AssignedAt:   now,
		SenderSetVer: s.SenderSetVersion(),
	}
	sh.records[id] = rec
	return rec, nil
}

// MarkBuilding transitions tfID to Building once the chosen builder has
// acknowledged its BuildInstruction.
func (s *Scheduler) MarkBuilding(tfID tf.ID) error {
	sh := s.shardFor(tfID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[tfID]
	if !ok {
		return tf.Classify(tf.ErrData, fmt.Errorf("scheduler: unknown tf %s", tfID))
	}
	rec.State = tf.SchedulerBuilding
	return nil
}

// Complete transitions tfID to Done and releases its reservation from the
// assigned builder.
func (s *Scheduler) Complete(tfID tf.ID) error {
	sh := s.shardFor(tfID)
	sh.mu.Lock()
	rec, ok := sh.records[tfID]
	if !ok {
		sh.mu.Unlock()
		return tf.Classify(tf.ErrData, fmt.Errorf("scheduler: unknown tf %s", tfID))
	}
	rec.State = tf.SchedulerDone
	builderID, total := rec.BuilderID, rec.TotalBytes
	sh.mu.Unlock()

	if builderID != "" {
		s.Builders.Release(builderID, total)
	}
	return nil
}

// Drop transitions tfID to Dropped with the given reason and releases any
// builder reservation it held.
func (s *Scheduler) Drop(tfID tf.ID, reason tf.DropReason) error {
	sh := s.shardFor(tfID)
	sh.mu.Lock()
	rec, ok := sh.records[tfID]
	if !ok {
		sh.mu.Unlock()
		return tf.Classify(tf.ErrData, fmt.Errorf("scheduler: unknown tf %s", tfID))
	}
	wasAssigned := rec.State == tf.SchedulerAssigning || rec.State == tf.SchedulerBuilding
	rec.State = tf.SchedulerDropped
	rec.DropReason = reason
	builderID, total := rec.BuilderID, rec.TotalBytes
	sh.mu.Unlock()

	if wasAssigned && builderID != "" {
		s.Builders.Release(builderID, total)
	}
	return nil
}

// Get returns a copy of tfID's record.
func (s *Scheduler) Get(tfID tf.ID) (tf.SchedulerRecord, bool) {
	sh := s.shardFor(tfID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[tfID]
	if !ok {
		return tf.SchedulerRecord{}, false
	}
	return *rec, true
}

// StaleGathering returns every timeframe still in SchedulerGathering whose
// CreatedAt is older than maxAge, paired with the senders that already
// announced it — spec §4.6's incomplete-timeframe deadline, checked on a
// periodic sweep since Announce itself only ever sees the senders that do
// show up, never the one that doesn't.
func (s *Scheduler) StaleGathering(maxAge time.Duration) []tf.SchedulerRecord {
	cutoff := time.Now().Add(-maxAge)
	var stale []tf.SchedulerRecord
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.State == tf.SchedulerGathering && rec.CreatedAt.Before(cutoff) {
				stale = append(stale, *rec)
			}
		}
		sh.mu.Unlock()
	}
	return stale
}

// Forget removes a terminal record, bounding shard growth.
func (s *Scheduler) Forget(tfID tf.ID) {
	sh := s.shardFor(tfID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[tfID]
	if !ok {
		return
	}
	if rec.State == tf.SchedulerDone || rec.State == tf.SchedulerDropped {
		delete(sh.records, tfID)
	}
}

// topologyAssigner hands out monotonic topology-TF IDs for one sender's
// topology stream, owned by whichever builder currently holds that
// sender's topology stream, exactly as spec's "Topology TFs" section
// requires.
type topologyAssigner struct {
	mu       sync.Mutex
	next     tf.ID
	ownerID  string
}

// TopologyAssigner returns the assigner for senderID, creating it (owned
// by builderID) if this is the first topology TF seen from that sender.
func (s *Scheduler) TopologyAssigner(senderID, builderID string) *topologyAssigner {
	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	a, ok := s.topology[senderID]
	if !ok {
		a = &topologyAssigner{ownerID: builderID}
		s.topology[senderID] = a
	}
	return a
}

// Next returns the next topology TF ID for this assigner's sender, and the
// builder ID that currently owns the stream.
func (a *topologyAssigner) Next() (tf.ID, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id, a.ownerID
}

// Reassign transfers ownership of the topology stream to a new builder,
// used when the original owner disconnects mid-run.
func (a *topologyAssigner) Reassign(builderID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ownerID = builderID
}
