package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// Components never learn each other's raw provider addresses out of band;
// a short-lived MSG connection is used purely to exchange the raw address
// bytes needed to populate an RDM peer's address vector before any tagged
// message or RMA operation can be posted. BootstrapConfig/Listen/Connect
// play that role — once AddressExchange finishes, the MSG connection is
// closed and all further traffic moves to the RDM Peer built from Dial.

// BootstrapConfig controls Connect/Listen for address-exchange handshakes.
type BootstrapConfig struct {
	Provider         string
	Node             string
	Service          string
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
	Timeout          time.Duration
}

// bootstrapConn is a short-lived MSG connection used only to exchange raw
// provider addresses.
type bootstrapConn struct {
	fabric   *fi.Fabric
	domain   *fi.Domain
	endpoint *fi.Endpoint
	cq       *fi.CompletionQueue
	eq       *fi.EventQueue
	logger   Logger
}

// Connect dials a MSG endpoint exposed by a Listener and returns a
// bootstrap connection over which AddressExchange can run.
func Connect(cfg BootstrapConfig) (*bootstrapConn, error) {
	if cfg.Service == "" {
		return nil, errors.New("transport bootstrap: service required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []fi.DiscoverOption{fi.WithEndpointType(fi.EndpointTypeMsg)}
	if cfg.Provider != "" {
		opts = append(opts, fi.WithProvider(cfg.Provider))
	}
	if cfg.Node != "" {
		opts = append(opts, fi.WithNode(cfg.Node))
	}
	opts = append(opts, fi.WithService(cfg.Service))

	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("transport bootstrap connect: no descriptors found for provider %s", cfg.Provider)
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("open fabric: %w", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("open domain: %w", err)
	}
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open completion queue: %w", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	endpoint, err := desc.OpenEndpoint(domain)
	if err != nil {
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open endpoint: %w", err)
	}
	if err := endpoint.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		endpoint.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := endpoint.BindEventQueue(eq, 0); err != nil {
		endpoint.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind event queue: %w", err)
	}
	if err := endpoint.Enable(); err != nil {
		endpoint.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}
	if err := endpoint.Connect(nil); err != nil {
		endpoint.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := waitForConnected(ctx, eq); err != nil {
		endpoint.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, err
	}

	return &bootstrapConn{fabric: fabric, domain: domain, endpoint: endpoint, cq: cq, eq: eq, logger: cfg.Logger}, nil
}

// Close releases the bootstrap connection's resources.
func (b *bootstrapConn) Close() error {
	if b == nil {
		return nil
	}
	_ = b.endpoint.Close()
	_ = b.eq.Close()
	_ = b.cq.Close()
	_ = b.domain.Close()
	_ = b.fabric.Close()
	return nil
}

// addressBufferSize is a fixed upper bound on a provider's raw address
// encoding, generous enough for any fi_addr sockaddr variant in use
// across the fabrics this module targets.
const addressBufferSize = 256

// ExchangeAddress sends localAddr, zero-padded to addressBufferSize, and
// receives the peer's padded address over the bootstrap connection. The
// trailing zero padding is trimmed before returning, which is safe
// because no supported provider encodes a valid address ending in a
// zero byte.
func (b *bootstrapConn) ExchangeAddress(ctx context.Context, localAddr []byte) ([]byte, error) {
	if len(localAddr) > addressBufferSize {
		return nil, fmt.Errorf("transport bootstrap: local address exceeds %d bytes", addressBufferSize)
	}
	padded := make([]byte, addressBufferSize)
	copy(padded, localAddr)

	if err := b.endpoint.SendSyncContext(ctx, padded, fi.AddressUnspecified, b.cq, 5*time.Second); err != nil {
		return nil, fmt.Errorf("await address send: %w", err)
	}
	buf := make([]byte, addressBufferSize)
	if err := b.endpoint.RecvSyncContext(ctx, buf, b.cq, 5*time.Second); err != nil {
		return nil, fmt.Errorf("await address recv: %w", err)
	}
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return buf[:n], nil
}

// BootstrapListener accepts MSG connections for address exchange.
type BootstrapListener struct {
	cfg    BootstrapConfig
	fabric *fi.Fabric
	domain *fi.Domain
	pep    *fi.PassiveEndpoint
	eq     *fi.EventQueue
	closed atomic.Bool
}

// Listen prepares a MSG listener for incoming bootstrap connections.
func Listen(cfg BootstrapConfig) (*BootstrapListener, error) {
	if cfg.Service == "" {
		return nil, errors.New("transport bootstrap listen: service required")
	}
	opts := []fi.DiscoverOption{fi.WithEndpointType(fi.EndpointTypeMsg), fi.WithFlags(fi.FlagSource)}
	if cfg.Provider != "" {
		opts = append(opts, fi.WithProvider(cfg.Provider))
	}
	if cfg.Node != "" {
		opts = append(opts, fi.WithNode(cfg.Node))
	}
	opts = append(opts, fi.WithService(cfg.Service))

	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("transport bootstrap listen: no descriptors found for provider %s", cfg.Provider)
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("open fabric: %w", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("open domain: %w", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	pep, err := desc.OpenPassiveEndpoint(fabric)
	if err != nil {
		eq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open passive endpoint: %w", err)
	}
	if err := pep.BindEventQueue(eq, 0); err != nil {
		pep.Close()
		eq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind event queue: %w", err)
	}
	if err := pep.Listen(); err != nil {
		pep.Close()
		eq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("listen passive endpoint: %w", err)
	}

	return &BootstrapListener{cfg: cfg, fabric: fabric, domain: domain, pep: pep, eq: eq}, nil
}

// Close releases listener resources.
func (l *BootstrapListener) Close() error {
	if l == nil || !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = l.pep.Close()
	_ = l.eq.Close()
	_ = l.domain.Close()
	_ = l.fabric.Close()
	return nil
}

// Addr returns the bound provider address for the listener.
func (l *BootstrapListener) Addr() ([]byte, error) {
	if l == nil || l.pep == nil {
		return nil, errors.New("transport bootstrap listener: closed")
	}
	return l.pep.Name()
}

// Accept waits for the next connection request and returns a bootstrap
// connection ready for ExchangeAddress.
func (l *BootstrapListener) Accept(ctx context.Context) (*bootstrapConn, error) {
	if l == nil || l.pep == nil {
		return nil, errors.New("transport bootstrap listener: closed")
	}
	for {
		if l.closed.Load() {
			return nil, errors.New("transport bootstrap listener: closed")
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		evt, err := l.eq.ReadCM(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, fi.ErrNoEvent) {
				continue
			}
			return nil, err
		}
		if evt == nil {
			continue
		}
		if evt.Type() == fi.ConnectionEventConnReq {
			return l.handleConnReq(ctx, evt)
		}
		evt.Free()
	}
}

func (l *BootstrapListener) handleConnReq(ctx context.Context, evt *fi.ConnectionEvent) (*bootstrapConn, error) {
	defer evt.Free()
	endpoint, err := evt.OpenEndpoint(l.domain)
	if err != nil {
		return nil, fmt.Errorf("open endpoint: %w", err)
	}
	cq, err := l.domain.OpenCompletionQueue(nil)
	if err != nil {
		endpoint.Close()
		return nil, fmt.Errorf("open completion queue: %w", err)
	}
	connEQ, err := l.fabric.OpenEventQueue(nil)
	if err != nil {
		cq.Close()
		endpoint.Close()
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	if err := endpoint.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		connEQ.Close()
		cq.Close()
		endpoint.Close()
		return nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := endpoint.BindEventQueue(connEQ, 0); err != nil {
		connEQ.Close()
		cq.Close()
		endpoint.Close()
		return nil, fmt.Errorf("bind event queue: %w", err)
	}
	if err := endpoint.Enable(); err != nil {
		connEQ.Close()
		cq.Close()
		endpoint.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}
	if err := endpoint.Accept(evt.Data()); err != nil {
		connEQ.Close()
		cq.Close()
		endpoint.Close()
		return nil, fmt.Errorf("accept: %w", err)
	}
	if err := waitForConnected(ctx, connEQ); err != nil {
		connEQ.Close()
		cq.Close()
		endpoint.Close()
		return nil, err
	}
	return &bootstrapConn{fabric: l.fabric, domain: l.domain, endpoint: endpoint, cq: cq, eq: connEQ, logger: l.cfg.Logger}, nil
}

func waitForConnected(ctx context.Context, eq *fi.EventQueue) error {
	deadline := time.Now().Add(5 * time.Second)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
	}
	for {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		timeout := time.Until(deadline)
		if timeout <= 0 {
			return errors.New("transport bootstrap: connect timeout exceeded")
		}
		evt, err := eq.ReadCM(timeout)
		if err != nil {
			if errors.Is(err, fi.ErrNoEvent) {
				continue
			}
			return err
		}
		if evt == nil {
			continue
		}
		typ := evt.Type()
		evt.Free()
		if typ == fi.ConnectionEventConnected {
			return nil
		}
		if typ == fi.ConnectionEventShutdown {
			return errors.New("transport bootstrap: connection closed during handshake")
		}
	}
}
