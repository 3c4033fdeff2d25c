package manager

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"golang.org/x/sync/errgroup"
)

// ErrExecutorClosed is returned by Execute after Close.
var ErrExecutorClosed = errors.New("executor is closed")

// Executor runs storage work away from the manager's lock. Work submitted
// for one transaction runs in submission order.
type Executor interface {
	Execute(id pdu.TransactionID, fn func()) error
	Close() error
}

// Inline runs work on the calling goroutine. Completions are still delivered
// after the manager call that caused them returns, so ordering matches the
// pool. It is meant for tests.
type Inline struct{}

// Execute runs fn immediately.
func (Inline) Execute(_ pdu.TransactionID, fn func()) error {
	fn()
	return nil
}

// Close does nothing.
func (Inline) Close() error {
	return nil
}

// Pool runs work on a fixed set of goroutines. Each transaction has its own
// FIFO and at most one of its jobs runs at a time, so its jobs never overtake
// each other while other transactions proceed on the remaining workers.
// Queues are unbounded: Execute is called under the manager's lock and must
// not wait for storage.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[pdu.TransactionID][]func() // present while scheduled or running
	ready  []pdu.TransactionID
	closed bool
	group  errgroup.Group
}

// NewPool starts workers goroutines.
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{queues: make(map[pdu.TransactionID][]func())}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

// Execute appends fn to the queue of id and returns without waiting.
func (p *Pool) Execute(id pdu.TransactionID, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrExecutorClosed
	}

	q, scheduled := p.queues[id]
	p.queues[id] = append(q, fn)
	if !scheduled {
		p.ready = append(p.ready, id)
		p.cond.Signal()
	}
	return nil
}

// Close runs the queued work and waits for the workers to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return p.group.Wait()
}

// Pending returns the number of queued jobs, including running ones.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pool) work() error {
	for {
		p.mu.Lock()
		for len(p.ready) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.ready) == 0 {
			p.mu.Unlock()
			return nil
		}
		id := p.ready[0]
		p.ready = p.ready[1:]
		fn := p.queues[id][0]
		p.mu.Unlock()

		fn()

		p.mu.Lock()
		if rest := p.queues[id][1:]; len(rest) == 0 {
			delete(p.queues, id)
		} else {
			p.queues[id] = rest
			p.ready = append(p.ready, id)
			p.cond.Signal()
		}
		p.mu.Unlock()
	}
}
