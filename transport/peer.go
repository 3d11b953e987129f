// Package transport adapts the teacher's high-level libfabric client into
// the pipeline's domain transport: one-sided RMA reads against a peer's
// registered regions, and FIFO tagged messaging for control traffic. A
// Peer multiplexes both kinds of operation over a single completion queue
// dispatcher, exactly as the teacher's Client did for send/receive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// ErrClosed indicates the peer has already been closed.
var ErrClosed = errors.New("transport: peer closed")

// Role distinguishes the three component kinds for metrics and logging;
// it carries no behavioral difference at the transport layer.
type Role string

const (
	RoleSender    Role = "sender"
	RoleScheduler Role = "scheduler"
	RoleBuilder   Role = "builder"
)

// Config controls Dial behaviour for a Peer.
type Config struct {
	Provider         string
	Role             Role
	ComponentID      string
	EndpointType     fi.EndpointType
	Timeout          time.Duration
	MRPoolSize       int
	MRPoolCapacity   int
	MRPoolAccess     fi.MRAccessFlag
	Node             string
	Service          string
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
	Regions          *RegionRegistry
}

// Peer owns the resources necessary to perform tagged messaging and RMA
// operations against one or more remote endpoints reachable through a
// shared address vector.
type Peer struct {
	cfg            Config
	fabric         *fi.Fabric
	domain         *fi.Domain
	endpoint       *fi.Endpoint
	cq             *fi.CompletionQueue
	eq             *fi.EventQueue
	av             *fi.AddressVector
	selfAddr       fi.Address
	peerAddr       atomic.Uint64
	peerConfigured atomic.Bool
	selfRaw        []byte
	mrPool         *fi.MRPool
	mrAccess       fi.MRAccessFlag
	requiresMR     bool
	closed         atomic.Bool
	dispatcherErr  atomic.Pointer[errorHolder]
	regions        *RegionRegistry

	ownedRegionsMu sync.Mutex
	ownedRegions   []*fi.MemoryRegion

	stopCh chan struct{}
	wg     sync.WaitGroup

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            peerStats
	ownFabric        bool
	ownDomain        bool
	ownEndpoint      bool
	ownCompletion    bool
	ownEventQueue    bool
}

// OperationKind identifies the type of libfabric operation tracked by a future.
type OperationKind int

const (
	OperationSendTagged OperationKind = iota
	OperationRecvTagged
	OperationRMA
)

func (k OperationKind) String() string {
	switch k {
	case OperationSendTagged:
		return "send_tagged"
	case OperationRecvTagged:
		return "recv_tagged"
	case OperationRMA:
		return "rma_get"
	default:
		return "operation"
	}
}

type errorHolder struct {
	err error
}

// OperationError exposes detailed completion error information surfaced by libfabric.
type OperationError struct {
	Kind        OperationKind
	Errno       fi.Errno
	ProviderErr int
	Flags       uint64
	Length      uint64
	Data        uint64
	Tag         uint64
}

func (e OperationError) Error() string {
	return fmt.Sprintf("transport %s completion error: %s (provider=%d flags=0x%x len=%d)", e.Kind, e.Errno, e.ProviderErr, e.Flags, e.Length)
}

// Unwrap allows errors.Is / errors.As to match against the underlying Errno.
func (e OperationError) Unwrap() error {
	return e.Errno
}

// Stats contains counters for peer operations.
type Stats struct {
	SendPosted     uint64
	SendCompleted  uint64
	SendErrored    uint64
	RecvPosted     uint64
	RecvMatched    uint64
	RecvErrored    uint64
	RMAPosted      uint64
	RMACompleted   uint64
	RMAErrored     uint64
}

type peerStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	rmaPosted     atomic.Uint64
	rmaCompleted  atomic.Uint64
	rmaErrored    atomic.Uint64
}

type operationResult struct {
	length int
	err    error
}

type operation struct {
	peer    *Peer
	kind    OperationKind
	size    int
	done    chan struct{}
	release func()
	meta    any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

type recvMeta struct {
	buffer []byte
	source atomic.Uint64
	tag    atomic.Uint64
}

func newOperation(peer *Peer, kind OperationKind, size int, meta any) *operation {
	return &operation{
		peer: peer,
		kind: kind,
		size: size,
		done: make(chan struct{}),
		meta: meta,
	}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.peer != nil {
			op.peer.emit(op, res)
		}
		if op.release != nil {
			op.release()
		}
		close(op.done)

		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// Dial discovers a compatible provider and prepares the peer's RDM
// endpoint, address vector, and completion queue dispatcher. This is the
// data-plane entry point used by senders and builders for tagged messaging
// and RMA; control-plane address exchange happens separately through
// Connect/Listen (bootstrap.go).
func Dial(cfg Config) (*Peer, error) {
	if cfg.Provider == "" {
		cfg.Provider = "sockets"
	}
	if cfg.EndpointType == 0 {
		cfg.EndpointType = fi.EndpointTypeRDM
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []fi.DiscoverOption{fi.WithProvider(cfg.Provider), fi.WithEndpointType(cfg.EndpointType)}
	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("no descriptors found for provider %s", cfg.Provider)
	}

	var selected *fi.Descriptor
	for i := range descriptors {
		info := descriptors[i].Info()
		if info.Endpoint == cfg.EndpointType {
			selected = &descriptors[i]
			break
		}
	}
	if selected == nil {
		selected = &descriptors[0]
	}
	info := selected.Info()

	fabric, err := selected.OpenFabric()
	if err != nil {
		return nil, fmt.Errorf("open fabric: %w", err)
	}
	domain, err := selected.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		return nil, fmt.Errorf("open domain: %w", err)
	}

	var cqAttr *fi.CompletionQueueAttr
	if cfg.EndpointType == fi.EndpointTypeRDM {
		cqAttr = &fi.CompletionQueueAttr{Format: fi.CQFormatTagged}
	}
	cq, err := domain.OpenCompletionQueue(cqAttr)
	if err != nil {
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open completion queue: %w", err)
	}

	endpoint, err := selected.OpenEndpoint(domain)
	if err != nil {
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("open endpoint: %w", err)
	}

	if err := endpoint.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("bind completion queue: %w", err)
	}
	if err := endpoint.Enable(); err != nil {
		endpoint.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		return nil, fmt.Errorf("enable endpoint: %w", err)
	}

	var av *fi.AddressVector
	var selfAddr fi.Address
	var selfRaw []byte
	if cfg.EndpointType == fi.EndpointTypeRDM {
		av, err = domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap})
		if err != nil {
			endpoint.Close()
			cq.Close()
			domain.Close()
			fabric.Close()
			return nil, fmt.Errorf("open address vector: %w", err)
		}
		if err := endpoint.BindAddressVector(av, 0); err != nil {
			av.Close()
			endpoint.Close()
			cq.Close()
			domain.Close()
			fabric.Close()
			return nil, fmt.Errorf("bind address vector: %w", err)
		}
		selfAddr, err = endpoint.RegisterAddress(av, 0)
		if err != nil {
			av.Close()
			endpoint.Close()
			cq.Close()
			domain.Close()
			fabric.Close()
			return nil, fmt.Errorf("register endpoint address: %w", err)
		}
		selfRaw, err = endpoint.Name()
		if err != nil {
			av.Close()
			endpoint.Close()
			cq.Close()
			domain.Close()
			fabric.Close()
			return nil, fmt.Errorf("query endpoint address: %w", err)
		}
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	regions := cfg.Regions
	if regions == nil {
		regions = NewRegionRegistry()
	}

	peer := &Peer{
		cfg:              cfg,
		fabric:           fabric,
		domain:           domain,
		endpoint:         endpoint,
		cq:               cq,
		stopCh:           make(chan struct{}),
		av:               av,
		selfAddr:         selfAddr,
		selfRaw:          selfRaw,
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
		regions:          regions,
	}
	peer.ownFabric = true
	peer.ownDomain = true
	peer.ownEndpoint = true
	peer.ownCompletion = true

	peer.peerAddr.Store(uint64(selfAddr))
	peer.peerConfigured.Store(true)

	if av != nil && (cfg.Node != "" || cfg.Service != "") {
		peerAddr, err := av.InsertService(cfg.Node, cfg.Service, 0)
		if err != nil {
			peer.Close()
			return nil, fmt.Errorf("register peer service: %w", err)
		}
		peer.peerAddr.Store(uint64(peerAddr))
		peer.peerConfigured.Store(true)
	}

	peer.requiresMR = domain.RequiresMRMode(fi.MRModeLocal)
	access := cfg.MRPoolAccess
	if access == 0 {
		access = fi.MRAccessLocal
	}
	peer.mrAccess = access

	poolSize := cfg.MRPoolSize
	poolCapacity := cfg.MRPoolCapacity
	if peer.requiresMR {
		if poolSize <= 0 {
			if info.InjectSize > 0 {
				poolSize = int(info.InjectSize)
			}
			if poolSize <= 0 {
				poolSize = 4096
			}
		}
		if poolCapacity <= 0 {
			poolCapacity = 32
		}
	}
	if poolSize > 0 {
		pool, err := fi.NewMRPool(domain, poolSize, access, poolCapacity)
		if err != nil {
			peer.Close()
			return nil, fmt.Errorf("create MR pool: %w", err)
		}
		peer.mrPool = pool
		peer.cfg.MRPoolSize = poolSize
		peer.cfg.MRPoolCapacity = poolCapacity
	}

	peer.wg.Add(1)
	go peer.dispatch()

	return peer, nil
}

// Close releases the underlying libfabric resources.
func (p *Peer) Close() error {
	if p == nil {
		return nil
	}
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	if p.mrPool != nil {
		p.mrPool.Close()
	}
	p.ownedRegionsMu.Lock()
	owned := p.ownedRegions
	p.ownedRegions = nil
	p.ownedRegionsMu.Unlock()
	for _, region := range owned {
		_ = region.Close()
	}
	if p.av != nil {
		_ = p.av.Close()
	}
	if p.endpoint != nil && p.ownEndpoint {
		_ = p.endpoint.Close()
	}
	if p.cq != nil && p.ownCompletion {
		_ = p.cq.Close()
	}
	if p.eq != nil && p.ownEventQueue {
		_ = p.eq.Close()
	}
	if p.domain != nil && p.ownDomain {
		_ = p.domain.Close()
	}
	if p.fabric != nil && p.ownFabric {
		_ = p.fabric.Close()
	}
	return nil
}

func (p *Peer) ensureOpen() error {
	if p == nil {
		return ErrClosed
	}
	if p.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (p *Peer) dispatchFailure() error {
	if err := p.dispatcherError(); err != nil {
		return fmt.Errorf("transport peer dispatcher failed: %w", err)
	}
	return nil
}

// RegisterPeer inserts the supplied provider address into the peer's
// address vector, returning the fi.Address used to reach it.
func (p *Peer) RegisterPeer(addr []byte) (fi.Address, error) {
	if err := p.ensureOpen(); err != nil {
		return 0, err
	}
	if p.av == nil {
		return 0, errors.New("transport: address vector unavailable for this endpoint type")
	}
	if len(addr) == 0 {
		return 0, errors.New("transport: peer address must be non-empty")
	}
	return p.av.InsertRaw(addr, 0)
}

// LocalAddress returns the provider-specific address bytes for the peer's endpoint.
func (p *Peer) LocalAddress() ([]byte, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if len(p.selfRaw) > 0 {
		dup := make([]byte, len(p.selfRaw))
		copy(dup, p.selfRaw)
		return dup, nil
	}
	addr, err := p.endpoint.Name()
	if err != nil {
		return nil, err
	}
	dup := make([]byte, len(addr))
	copy(dup, addr)
	return dup, nil
}

// Regions returns the peer's region registry, used to publish local
// regions and cache remote keys learned from metadata headers.
func (p *Peer) Regions() *RegionRegistry {
	if p == nil {
		return nil
	}
	return p.regions
}

// PublishRegion registers a provider-accessible buffer seeded with buf's
// contents, for remote peers to RMA-read. Registration copies buf into
// CGO-managed memory (fi.Domain.RegisterMemory's contract), so the
// returned MemoryRegion's own Bytes() — not buf — is the live buffer a
// caller must write fragment data into for remote reads to observe it.
// The region is recorded in the peer's RegionRegistry under that live
// buffer so LookupLocal resolves it back to a remote key later. The
// region is owned by the Peer and released on Close; callers must not
// close it themselves.
func (p *Peer) PublishRegion(buf []byte, access fi.MRAccessFlag) (*fi.MemoryRegion, error) {
	if err := p.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("transport: cannot publish an empty region")
	}
	if p.domain == nil {
		return nil, errors.New("transport: peer has no domain to register memory against")
	}
	region, err := p.domain.RegisterMemory(buf, access)
	if err != nil {
		return nil, fmt.Errorf("transport: register memory region: %w", err)
	}
	p.ownedRegionsMu.Lock()
	p.ownedRegions = append(p.ownedRegions, region)
	p.ownedRegionsMu.Unlock()
	p.regions.PublishRegion(region.Bytes(), region)
	return region, nil
}

// Stats returns a snapshot of peer counters.
func (p *Peer) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:    p.stats.sendPosted.Load(),
		SendCompleted: p.stats.sendCompleted.Load(),
		SendErrored:   p.stats.sendErrored.Load(),
		RecvPosted:    p.stats.recvPosted.Load(),
		RecvMatched:   p.stats.recvMatched.Load(),
		RecvErrored:   p.stats.recvErrored.Load(),
		RMAPosted:     p.stats.rmaPosted.Load(),
		RMACompleted:  p.stats.rmaCompleted.Load(),
		RMAErrored:    p.stats.rmaErrored.Load(),
	}
}

func (p *Peer) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := p.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (p *Peer) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Debugf(format, args...)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (p *Peer) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+4)
	attrs["endpoint_type"] = p.cfg.EndpointType.String()
	attrs["role"] = string(p.cfg.Role)
	if p.cfg.Provider != "" {
		attrs["provider"] = p.cfg.Provider
	}
	if p.cfg.ComponentID != "" {
		attrs["component_id"] = p.cfg.ComponentID
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (p *Peer) logDispatcherEvent(event string, fields ...logField) {
	if p == nil {
		return
	}
	if p.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		p.structuredLogger.Debugw("transport peer dispatcher", kv...)
		return
	}
	if p.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	p.logger.Debugf("peer dispatcher %s", b.String())
}

func (p *Peer) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	p.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

func (p *Peer) dispatcherError() error {
	if p == nil {
		return nil
	}
	if holder := p.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}
