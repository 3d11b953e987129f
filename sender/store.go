// Package sender implements the per-process state a StfSender keeps for the
// timeframes it has buffered: bookkeeping on what's held and requested
// (Store), and a serialized per-builder egress path for the control replies
// that hand metadata to a builder (Egress).
package sender

import (
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/tf-pipeline/tf"
)

// Store holds one process's view of every timeframe it currently has
// fragments for, keyed by tf.ID. A single sync.RWMutex is enough here: a
// sender's fragment count is small relative to a scheduler's or builder's,
// and the contention profile (one buffer goroutine appending, one egress
// goroutine per builder reading) doesn't need sharded locking.
type Store struct {
	mu       sync.RWMutex
	records  map[tf.ID]*tf.SenderRecord
	lastSeen tf.ID
	hasSeen  bool
	logger   Logger
}

// Logger is the subset of transport.Logger a Store needs for its reorder
// rejection log line.
type Logger interface {
	Debugf(format string, args ...any)
}

// NewStore constructs an empty Store.
func NewStore(logger Logger) *Store {
	return &Store{records: make(map[tf.ID]*tf.SenderRecord), logger: logger}
}

// Buffer records that every fragment of id has been assembled locally and
// is ready to announce. It is the sender-side half of Open Question 1's
// resolution (see DESIGN.md): a non-increasing id is rejected outright
// rather than buffered, so a reordered announcement never reaches the
// scheduler at all — the pacer's "discard newcomer" rule is the second line
// of defense for reordering introduced by the network, not by the sender.
func (s *Store) Buffer(id tf.ID, fragments []tf.StfFragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasSeen && id <= s.lastSeen {
		if s.logger != nil {
			s.logger.Debugf("sender: rejecting out-of-order tf %s (last seen %s)", id, s.lastSeen)
		}
		return tf.Classify(tf.ErrData, fmt.Errorf("sender: tf %s is not greater than last seen %s", id, s.lastSeen))
	}

	total := uint64(0)
	seen := make(map[tf.EquipmentID]struct{}, len(fragments))
	for _, frag := range fragments {
		if _, dup := seen[frag.Equipment]; dup {
			return tf.Classify(tf.ErrData, fmt.Errorf("sender: duplicate equipment %s in tf %s", frag.Equipment, id))
		}
		seen[frag.Equipment] = struct{}{}
		total += frag.TotalBytes()
	}

	s.records[id] = &tf.SenderRecord{
		TfID:      id,
		Fragments: append([]tf.StfFragment(nil), fragments...),
		State:     tf.SenderBuffered,
		UpdatedAt: time.Now(),
	}
	s.lastSeen = id
	s.hasSeen = true
	_ = total
	return nil
}

// MarkRequested transitions id to SenderRequested and records which builder
// asked for it. A later request for the same tf_id overwrites Requester;
// no comparison with an earlier requester is made.
func (s *Store) MarkRequested(id tf.ID, builderID string) (*tf.SenderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, tf.Classify(tf.ErrData, fmt.Errorf("sender: unknown tf %s", id))
	}
	if rec.State == tf.SenderDropped {
		return nil, tf.Classify(tf.ErrData, fmt.Errorf("sender: tf %s already dropped", id))
	}
	rec.State = tf.SenderRequested
	rec.Requester = builderID
	rec.UpdatedAt = time.Now()
	return rec, nil
}

// MarkSent transitions id to SenderSent once every fragment has been
// RMA-read by the requesting builder (signalled out of band; the sender
// never observes the read itself since RMA is one-sided).
func (s *Store) MarkSent(id tf.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return tf.Classify(tf.ErrData, fmt.Errorf("sender: unknown tf %s", id))
	}
	rec.State = tf.SenderSent
	rec.UpdatedAt = time.Now()
	return nil
}

// Drop marks id as dropped and releases its fragment slice; the region
// registry entries backing the fragments are the caller's responsibility to
// unpublish (a Store has no reference to the registry that published them).
func (s *Store) Drop(id tf.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.State = tf.SenderDropped
	rec.Fragments = nil
	rec.UpdatedAt = time.Now()
}

// Get returns a copy of the record for id, if present.
func (s *Store) Get(id tf.ID) (tf.SenderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return tf.SenderRecord{}, false
	}
	return *rec, true
}

// Forget removes a terminal (sent or dropped) record entirely, bounding the
// map's growth. It is a no-op for a record still in flight.
func (s *Store) Forget(id tf.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	if rec.State != tf.SenderSent && rec.State != tf.SenderDropped {
		return
	}
	delete(s.records, id)
}

// Len reports how many timeframes the store currently tracks, for capacity
// reporting in heartbeats.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
