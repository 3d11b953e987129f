package sender

import (
	"context"
	"fmt"
	"sync"

	fi "github.com/rocketbitz/tf-pipeline/fi"
	"github.com/rocketbitz/tf-pipeline/transport"
	"github.com/rocketbitz/tf-pipeline/wire"
)

// Transport is the subset of transport.Transport Egress needs to hand
// control replies to builders. A plain interface (rather than depending on
// transport.Transport directly) keeps this package's test double simple.
type Transport interface {
	SendTagged(ctx context.Context, dest fi.Address, tag uint64, payload []byte) error
}

var _ Transport = (*transport.Peer)(nil)
var _ Transport = (*transport.FallbackPeer)(nil)

// outboundEnvelope pairs one control reply with the address and tag it must
// be delivered under.
type outboundEnvelope struct {
	dest    fi.Address
	tag     uint64
	payload []byte
}

// peerQueue is one builder's serialized outbound FIFO: a buffered channel
// plus the single goroutine that drains it. StfSenderOutputUCX.h's design
// note is that every peer has exactly one writer so replies to the same
// builder are never reordered by concurrent sends racing on the same
// completion queue slot.
type peerQueue struct {
	ch   chan outboundEnvelope
	done chan struct{}
	once sync.Once
}

// Egress multiplexes control replies (StfAnnounceReply, FetchRequestReply,
// ...) to builders, maintaining exactly one FIFO drain goroutine per
// destination builder. Replies to different builders proceed fully in
// parallel; replies to the same builder are strictly ordered.
type Egress struct {
	mu        sync.Mutex
	transport Transport
	queues    map[string]*peerQueue
	logger    Logger
	queueSize int
}

// NewEgress constructs an Egress posting over t, with queueSize buffered
// envelopes per builder before Send blocks (defaults to 16).
func NewEgress(t Transport, logger Logger, queueSize int) *Egress {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Egress{
		transport: t,
		queues:    make(map[string]*peerQueue),
		logger:    logger,
		queueSize: queueSize,
	}
}

// Send enqueues env for delivery under tag to dest, identified by
// builderID for queue routing purposes. It starts that builder's drain
// goroutine on first use.
func (e *Egress) Send(ctx context.Context, builderID string, dest fi.Address, tag uint64, env wire.Envelope) error {
	payload, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("sender: encode envelope for builder %s: %w", builderID, err)
	}

	q := e.queueFor(builderID, dest, tag)
	select {
	case q.ch <- outboundEnvelope{dest: dest, tag: tag, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("sender: egress queue for builder %s closed", builderID)
	}
}

func (e *Egress) queueFor(builderID string, dest fi.Address, tag uint64) *peerQueue {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[builderID]
	if ok {
		return q
	}
	q = &peerQueue{
		ch:   make(chan outboundEnvelope, e.queueSize),
		done: make(chan struct{}),
	}
	e.queues[builderID] = q
	go e.drain(builderID, q)
	return q
}

func (e *Egress) drain(builderID string, q *peerQueue) {
	for env := range q.ch {
		if err := e.transport.SendTagged(context.Background(), env.dest, env.tag, env.payload); err != nil {
			if e.logger != nil {
				e.logger.Debugf("sender: egress send to builder %s failed: %v", builderID, err)
			}
		}
	}
}

// CloseBuilder stops and removes builderID's queue, for use when the
// scheduler reports that builder as gone (tf.ErrPeerGone).
func (e *Egress) CloseBuilder(builderID string) {
	e.mu.Lock()
	q, ok := e.queues[builderID]
	if ok {
		delete(e.queues, builderID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	q.once.Do(func() {
		close(q.ch)
		close(q.done)
	})
}

// Close stops every builder's drain goroutine.
func (e *Egress) Close() {
	e.mu.Lock()
	queues := e.queues
	e.queues = make(map[string]*peerQueue)
	e.mu.Unlock()

	for _, q := range queues {
		q.once.Do(func() {
			close(q.ch)
			close(q.done)
		})
	}
}
