package transport

import (
	"context"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// Transport is the subset of Peer/FallbackPeer that sender, scheduler, and
// builder depend on. Production binaries wire a real *Peer (RDMA hardware
// via libfabric); integration tests wire a *FallbackPeer pair instead so
// the scenario tests in integration/ run without hardware.
type Transport interface {
	SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error
	RecvTagged(ctx context.Context, tag uint64, buf []byte) (*TaggedMessage, error)
	RMAGet(ctx context.Context, dest fi.Address, local []byte, remoteAddr uint64, remoteKey uint64) *RMAFuture
}

var (
	_ Transport = (*Peer)(nil)
	_ Transport = (*FallbackPeer)(nil)
)
