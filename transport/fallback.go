package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

// ErrNotFound is returned by a FallbackPeer's RMAGet when the remote side
// has nothing published under the requested key/offset.
var ErrNotFound = errors.New("transport: fallback region not found")

// FallbackPeer implements the same operations as Peer (SendTagged,
// RecvTagged, RMAGet) over a plain net.Conn, for integration tests and
// environments without libfabric hardware. It speaks a tiny length-
// prefixed framing of its own: every frame is
//
//	u8   kind (0=tagged message, 1=rma request, 2=rma response)
//	u64  tag (tagged) or key (rma)
//	u64  offset (rma only, 0 for tagged)
//	u32  payload length
//	byte payload[length]
//
// Each FallbackPeer keeps its own *fallbackRegistry of bytes published
// with PublishBytes; RMAGet sends a request frame and the remote side
// answers from its registry. DialFallbackPair builds a connected pair for
// tests.
type FallbackPeer struct {
	conn     net.Conn
	regions  *fallbackRegistry
	writeMu  sync.Mutex
	recvMu   sync.Mutex
	inbox    map[uint64][]fallbackFrame
	inboxMu  sync.Mutex
	readLoop sync.Once
	readErr  atomic32Err
	closed   chan struct{}
}

type fallbackFrame struct {
	kind    byte
	tag     uint64
	offset  uint64
	payload []byte
}

type atomic32Err struct {
	mu  sync.Mutex
	err error
}

func (a *atomic32Err) set(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.mu.Unlock()
}

func (a *atomic32Err) get() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// fallbackRegistry is the FallbackPeer analogue of RegionRegistry: a map
// from (key) to the bytes a local PublishBytes call made available for
// remote RMAGet.
type fallbackRegistry struct {
	mu      sync.RWMutex
	regions map[uint64][]byte
	nextKey atomic64
}

type atomic64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomic64) next() uint64 {
	a.mu.Lock()
	a.v++
	v := a.v
	a.mu.Unlock()
	return v
}

func newFallbackRegistry() *fallbackRegistry {
	return &fallbackRegistry{regions: make(map[uint64][]byte)}
}

// NewFallbackPeer wraps conn as a FallbackPeer. Each side of a connection
// gets its own registry of locally published bytes.
func NewFallbackPeer(conn net.Conn) *FallbackPeer {
	fp := &FallbackPeer{
		conn:    conn,
		regions: newFallbackRegistry(),
		inbox:   make(map[uint64][]fallbackFrame),
		closed:  make(chan struct{}),
	}
	go fp.readLoopFn()
	return fp
}

// DialFallbackPair connects two in-process FallbackPeers over a local TCP
// socket, for tests that exercise the transport contract without a real
// fabric.
func DialFallbackPair(ctx context.Context) (a, b *FallbackPeer, closeFn func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, err
	}
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- acceptResult{c, err}
	}()

	dialer := net.Dialer{}
	clientConn, err := dialer.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, nil, nil, err
	}
	res := <-acceptCh
	ln.Close()
	if res.err != nil {
		clientConn.Close()
		return nil, nil, nil, res.err
	}

	a = NewFallbackPeer(res.conn)
	b = NewFallbackPeer(clientConn)
	return a, b, func() { a.Close(); b.Close() }, nil
}

// Close terminates the underlying connection and read loop.
func (p *FallbackPeer) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	return p.conn.Close()
}

func (p *FallbackPeer) writeFrame(kind byte, tag, offset uint64, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	header := make([]byte, 1+8+8+4)
	header[0] = kind
	binary.LittleEndian.PutUint64(header[1:9], tag)
	binary.LittleEndian.PutUint64(header[9:17], offset)
	binary.LittleEndian.PutUint32(header[17:21], uint32(len(payload)))
	if _, err := p.conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := p.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (p *FallbackPeer) readLoopFn() {
	header := make([]byte, 1+8+8+4)
	for {
		if _, err := io.ReadFull(p.conn, header); err != nil {
			p.readErr.set(err)
			p.broadcastEOF()
			return
		}
		kind := header[0]
		tag := binary.LittleEndian.Uint64(header[1:9])
		offset := binary.LittleEndian.Uint64(header[9:17])
		length := binary.LittleEndian.Uint32(header[17:21])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(p.conn, payload); err != nil {
				p.readErr.set(err)
				p.broadcastEOF()
				return
			}
		}

		switch kind {
		case fallbackKindRMARequest:
			p.handleRMARequest(tag, offset)
		default:
			p.inboxMu.Lock()
			p.inbox[tag] = append(p.inbox[tag], fallbackFrame{kind: kind, tag: tag, offset: offset, payload: payload})
			p.inboxMu.Unlock()
		}
	}
}

func (p *FallbackPeer) broadcastEOF() {}

const (
	fallbackKindTagged     byte = 0
	fallbackKindRMARequest byte = 1
	fallbackKindRMAReply   byte = 2
)

func (p *FallbackPeer) handleRMARequest(key, offset uint64) {
	p.regions.mu.RLock()
	data := p.regions.regions[key]
	p.regions.mu.RUnlock()
	if data == nil || offset > uint64(len(data)) {
		_ = p.writeFrame(fallbackKindRMAReply, key, offset, nil)
		return
	}
	_ = p.writeFrame(fallbackKindRMAReply, key, offset, data[offset:])
}

// SendTagged writes payload as a tagged frame; dest is ignored (a
// FallbackPeer always addresses the single peer it's connected to).
func (p *FallbackPeer) SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error {
	return p.writeFrame(fallbackKindTagged, tag, 0, payload)
}

// RecvTagged blocks until a tagged frame with the given tag arrives, or
// ctx is cancelled.
func (p *FallbackPeer) RecvTagged(ctx context.Context, tag uint64, buf []byte) (*TaggedMessage, error) {
	for {
		p.inboxMu.Lock()
		frames := p.inbox[tag]
		if len(frames) > 0 {
			frame := frames[0]
			p.inbox[tag] = frames[1:]
			p.inboxMu.Unlock()
			n := copy(buf, frame.payload)
			return &TaggedMessage{Payload: append([]byte(nil), buf[:n]...), Tag: tag}, nil
		}
		p.inboxMu.Unlock()

		if err := p.readErr.get(); err != nil {
			return nil, fmt.Errorf("transport fallback: connection closed: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, errors.New("transport fallback: peer closed")
		case <-time.After(time.Millisecond):
		}
	}
}

// PublishBytes makes data available to the remote peer's RMAGet under key,
// the FallbackPeer analogue of registering a memory region.
func (p *FallbackPeer) PublishBytes(data []byte) (key uint64) {
	key = p.regions.nextKey.next()
	p.regions.mu.Lock()
	p.regions.regions[key] = data
	p.regions.mu.Unlock()
	return key
}

// RMAGet requests the bytes published under remoteKey at remoteAddr
// (treated as a byte offset) from the remote peer, copying them into
// local. dest is ignored for the same reason as in SendTagged.
func (p *FallbackPeer) RMAGet(ctx context.Context, dest fi.Address, local []byte, remoteAddr uint64, remoteKey uint64) *RMAFuture {
	if err := p.writeFrame(fallbackKindRMARequest, remoteKey, remoteAddr, nil); err != nil {
		return failedRMAFuture(err)
	}
	for {
		p.inboxMu.Lock()
		frames := p.inbox[remoteKey]
		var found *fallbackFrame
		for i, f := range frames {
			if f.kind == fallbackKindRMAReply && f.offset == remoteAddr {
				found = &f
				p.inbox[remoteKey] = append(frames[:i], frames[i+1:]...)
				break
			}
		}
		p.inboxMu.Unlock()
		if found != nil {
			if len(found.payload) == 0 {
				return failedRMAFuture(ErrNotFound)
			}
			n := copy(local, found.payload)
			return completedRMAFuture(n)
		}
		if err := p.readErr.get(); err != nil {
			return failedRMAFuture(fmt.Errorf("transport fallback: connection closed: %w", err))
		}
		select {
		case <-ctx.Done():
			return failedRMAFuture(ctx.Err())
		case <-p.closed:
			return failedRMAFuture(errors.New("transport fallback: peer closed"))
		case <-time.After(time.Millisecond):
		}
	}
}

func completedRMAFuture(n int) *RMAFuture {
	op := &operation{done: make(chan struct{})}
	op.result = operationResult{length: n}
	op.completed = true
	close(op.done)
	return &RMAFuture{op: op}
}
