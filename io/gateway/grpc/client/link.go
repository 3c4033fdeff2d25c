// Package client sends PDUs to remote entities over gRPC.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/io/gateway/grpc/proto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	// ErrUnknownPeer is returned by Send for an entity without an address.
	ErrUnknownPeer = errors.New("no address for entity")
	// ErrQueueFull is returned by Send when the peer's queue has no room.
	ErrQueueFull = errors.New("peer queue is full")
	// ErrLinkClosed is returned by Send after Close.
	ErrLinkClosed = errors.New("link is closed")
)

const (
	// DefaultQueueDepth is the number of PDUs that may wait for one peer.
	DefaultQueueDepth = 1024
	// DefaultTimeout bounds one delivery call.
	DefaultTimeout = 3 * time.Second
)

// LinkOption configures a Link.
type LinkOption func(*Link)

// WithQueueDepth sets how many PDUs may wait for one peer.
func WithQueueDepth(depth int) LinkOption {
	return func(l *Link) {
		if depth > 0 {
			l.depth = depth
		}
	}
}

// WithTimeout bounds a single delivery call.
func WithTimeout(d time.Duration) LinkOption {
	return func(l *Link) {
		if d > 0 {
			l.timeout = d
		}
	}
}

type peerQueue struct {
	addr   string
	conn   *grpc.ClientConn
	client proto.LinkClient
	queue  chan []byte
}

// Link delivers encoded PDUs to remote entities. Each peer has its own
// queue drained by one goroutine, so PDUs to a peer keep their order and a
// slow peer does not hold up the others. Delivery is best effort.
type Link struct {
	codec   *pdu.Codec
	depth   int
	timeout time.Duration

	mu     sync.RWMutex
	peers  map[pdu.EntityID]*peerQueue
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewLink connects to every entity in addrs.
func NewLink(codec *pdu.Codec, addrs map[pdu.EntityID]string, opts ...LinkOption) (*Link, error) {
	if codec == nil {
		return nil, errors.New("codec is not set")
	}
	l := &Link{
		codec:   codec,
		depth:   DefaultQueueDepth,
		timeout: DefaultTimeout,
		peers:   make(map[pdu.EntityID]*peerQueue, len(addrs)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	for entity, addr := range addrs {
		conn, err := createConnection(addr)
		if err != nil {
			l.cancel()
			for _, q := range l.peers {
				q.conn.Close()
			}
			return nil, errors.Wrapf(err, "entity %d at %s", entity, addr)
		}
		q := &peerQueue{
			addr:   addr,
			conn:   conn,
			client: proto.NewLinkClient(conn),
			queue:  make(chan []byte, l.depth),
		}
		l.peers[entity] = q
		l.group.Go(func() error {
			l.deliver(q)
			return nil
		})
	}
	return l, nil
}

// Send encodes p and queues it for the entity on the other side of id.
func (l *Link) Send(id pdu.TransactionID, p pdu.Pdu) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLinkClosed
	}

	q, ok := l.peers[id.Peer()]
	if !ok {
		return errors.Wrapf(ErrUnknownPeer, "entity %d", id.Peer())
	}
	data, err := l.codec.Encode(p, id)
	if err != nil {
		return errors.Wrapf(err, "encode %s", pdu.Name(p))
	}

	select {
	case q.queue <- data:
		return nil
	default:
		l.dropped.Inc()
		return errors.Wrapf(ErrQueueFull, "entity %d", id.Peer())
	}
}

func (l *Link) deliver(q *peerQueue) {
	for data := range q.queue {
		ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
		_, err := q.client.Deliver(ctx, wrapperspb.Bytes(data), grpc.WaitForReady(true))
		cancel()
		if err != nil {
			l.failed.Inc()
			log.WithField("peer", q.addr).Debugf("deliver %d bytes: %v", len(data), err)
		}
	}
}

// Dropped is the number of PDUs refused because a queue was full.
func (l *Link) Dropped() uint64 {
	return l.dropped.Load()
}

// Failed is the number of deliveries that returned an error.
func (l *Link) Failed() uint64 {
	return l.failed.Load()
}

// Close stops accepting PDUs, abandons what is still queued and closes the
// connections.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancel()
	for _, q := range l.peers {
		close(q.queue)
	}
	l.mu.Unlock()

	err := l.group.Wait()
	for _, q := range l.peers {
		if cerr := q.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
