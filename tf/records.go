package tf

import "time"

// SenderState tracks the lifecycle of a timeframe's fragments as seen by a
// sender.
type SenderState int

const (
	SenderBuffered SenderState = iota
	SenderRequested
	SenderSent
	SenderDropped
)

func (s SenderState) String() string {
	switch s {
	case SenderBuffered:
		return "buffered"
	case SenderRequested:
		return "requested"
	case SenderSent:
		return "sent"
	case SenderDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SenderRecord is the sender-side bookkeeping for one timeframe: the
// fragments it holds, who has requested them, and whether it has been told
// to drop them.
type SenderRecord struct {
	TfID      ID
	Fragments []StfFragment
	State     SenderState
	Requester string
	UpdatedAt time.Time
}

// SchedulerState tracks a timeframe as the scheduler assigns it to a
// builder.
type SchedulerState int

const (
	SchedulerGathering SchedulerState = iota
	SchedulerAssigning
	SchedulerBuilding
	SchedulerDone
	SchedulerDropped
)

func (s SchedulerState) String() string {
	switch s {
	case SchedulerGathering:
		return "gathering"
	case SchedulerAssigning:
		return "assigning"
	case SchedulerBuilding:
		return "building"
	case SchedulerDone:
		return "done"
	case SchedulerDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SchedulerRecord is the scheduler's view of one timeframe: which senders
// have announced it, which builder it was assigned to, and its current
// state.
type SchedulerRecord struct {
	TfID         ID
	State        SchedulerState
	Announced    map[string]StfFragment // sender id -> fragment descriptor
	TotalBytes   uint64
	BuilderID    string
	DropReason   DropReason
	CreatedAt    time.Time
	AssignedAt   time.Time
	SenderSetVer uint64
}

// PartitionState is the scheduler's partition-wide lifecycle state,
// reported by GetPartitionState — distinct from the per-timeframe
// SchedulerState above.
type PartitionState int

const (
	PartitionConfiguring PartitionState = iota
	PartitionConfigured
	PartitionTerminating
	PartitionTerminated
	PartitionError
)

func (p PartitionState) String() string {
	switch p {
	case PartitionConfiguring:
		return "Configuring"
	case PartitionConfigured:
		return "Configured"
	case PartitionTerminating:
		return "Terminating"
	case PartitionTerminated:
		return "Terminated"
	case PartitionError:
		return "Error"
	default:
		return "Unknown"
	}
}

// BuilderState tracks a timeframe as a builder fetches and merges it.
type BuilderState int

const (
	BuilderGathering BuilderState = iota
	BuilderFetching
	BuilderPacing
	BuilderMerging
	BuilderDone
	BuilderDropped
)

func (s BuilderState) String() string {
	switch s {
	case BuilderGathering:
		return "gathering"
	case BuilderFetching:
		return "fetching"
	case BuilderPacing:
		return "pacing"
	case BuilderMerging:
		return "merging"
	case BuilderDone:
		return "done"
	case BuilderDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// BuilderRecord is the builder's view of one timeframe moving through the
// admission/fetch/pace/merge pipeline.
type BuilderRecord struct {
	TfID       ID
	State      BuilderState
	Fragments  map[EquipmentID]StfFragment
	Fetched    map[EquipmentID][]byte
	Reserved   uint64
	DropReason DropReason
	CreatedAt  time.Time
}

// Capacity tracks a builder's admission budget: how many bytes are reserved
// against the total budget, and how many timeframes are in flight. The
// scheduler's builder-selection policy reads this directly (see
// scheduler.BuilderRegistry), so field names and units must stay stable.
type Capacity struct {
	TotalBytes    uint64
	ReservedBytes uint64
	InFlightTfs   uint64
}

// Ratio returns ReservedBytes/TotalBytes, the quantity the scheduler's
// builder-selection policy minimizes. A builder with TotalBytes == 0 is
// treated as fully saturated so it is never selected.
func (c Capacity) Ratio() float64 {
	if c.TotalBytes == 0 {
		return 1
	}
	return float64(c.ReservedBytes) / float64(c.TotalBytes)
}
