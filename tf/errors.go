package tf

import (
	"errors"
	"fmt"
)

// The pipeline classifies every failure into one of four categories so that
// a scheduler can decide whether to retry, drop, or abort a timeframe
// without inspecting component-specific error values.
var (
	// ErrTransient indicates the operation may succeed if retried: a busy
	// completion queue, a saturated fetch pool, a momentarily unreachable
	// peer.
	ErrTransient = errors.New("tf: transient error")
	// ErrPeerGone indicates the remote side of a connection is gone and
	// will not return; in-flight work addressed to it must be dropped.
	ErrPeerGone = errors.New("tf: peer gone")
	// ErrData indicates the received bytes violate an invariant of the
	// data model (duplicate equipment ID, truncated header, bad tag) and
	// retrying will not help.
	ErrData = errors.New("tf: data error")
	// ErrFatal indicates the component cannot continue operating at all.
	ErrFatal = errors.New("tf: fatal error")
)

// Classified wraps an error with one of the four categories above so it can
// be recovered with errors.Is while still carrying the original cause via
// %w.
type Classified struct {
	Category error
	Cause    error
}

// Classify wraps err under category, unless err is already nil.
func Classify(category, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Category: category, Cause: err}
}

func (c *Classified) Error() string {
	if c.Cause == nil {
		return c.Category.Error()
	}
	return fmt.Sprintf("%s: %s", c.Category, c.Cause)
}

func (c *Classified) Unwrap() []error {
	return []error{c.Category, c.Cause}
}

// DropReason explains why a timeframe was dropped instead of built, used in
// scheduler and builder status reporting.
type DropReason string

const (
	DropReasonSenderGone      DropReason = "sender_gone"
	DropReasonBuilderGone     DropReason = "builder_gone"
	DropReasonStale           DropReason = "stale"
	DropReasonCapacity        DropReason = "capacity_exhausted"
	DropReasonDuplicateEquip  DropReason = "duplicate_equipment"
	DropReasonIncomplete      DropReason = "incomplete"
	DropReasonOutOfOrder      DropReason = "out_of_order"
	DropReasonPartitionEnding DropReason = "partition_ending"
)

// ErrInvalidHandle mirrors the teacher's fi.ErrInvalidHandle shape: it
// names the handle kind that was nil or already released.
type ErrInvalidHandle struct {
	Kind string
}

func (e ErrInvalidHandle) Error() string {
	return fmt.Sprintf("tf: invalid %s handle", e.Kind)
}
