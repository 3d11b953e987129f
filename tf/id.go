// Package tf holds the data model shared by the scheduler, sender, and
// builder components: timeframe identifiers, fragment descriptors, and the
// per-component records that track a timeframe as it moves through the
// pipeline.
package tf

import "fmt"

// ID identifies a timeframe. IDs are monotonically increasing within a
// given run and are never reused.
type ID uint64

// String renders the ID for logging.
func (id ID) String() string {
	return fmt.Sprintf("tf-%d", uint64(id))
}

// EquipmentID identifies the readout equipment that produced a fragment.
// A (Origin, SubSpecification) pair is unique within a partition.
type EquipmentID struct {
	Origin           string
	SubSpecification uint32
}

// String renders the equipment ID for logging.
func (e EquipmentID) String() string {
	return fmt.Sprintf("%s/%08x", e.Origin, e.SubSpecification)
}

// StfFragment describes one piece of a timeframe as produced by a sender:
// the equipment that produced it, and where the bytes live once registered
// with a region so a builder can RMA-get them.
type StfFragment struct {
	TfID       ID
	Equipment  EquipmentID
	RemoteAddr uint64
	RemoteKey  uint64
	Length     uint64
	HeaderLen  uint32
	Header     []byte
}

// TotalBytes returns the wire footprint of the fragment, header included.
func (f StfFragment) TotalBytes() uint64 {
	return f.Length + uint64(f.HeaderLen)
}
