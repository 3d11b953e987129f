// Package wire defines the data the pipeline's components exchange over a
// transport.Peer: the fixed-layout metadata header that accompanies every
// timeframe fragment, and the CBOR-encoded control RPC envelopes carried
// over tagged messages.
package wire

// Reserved tags partition the tagged-message space shared by every peer
// pair. A peer posts a TRecv for exactly one of these and relies on the
// provider's tag matching to demultiplex without inspecting the payload
// first.
const (
	TagMeta        uint64 = 1
	TagData        uint64 = 2
	TagString      uint64 = 3
	TagStringSize  uint64 = 4
	TagControl     uint64 = 5
	TagDone        uint64 = 1_000_000_000
)
