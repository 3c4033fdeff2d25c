// Package manager owns the table of live transactions. It routes inbound
// PDUs, serves user requests and drives timers, all serialized under one
// lock. Storage work runs on an Executor and its completions are fed back
// under the same lock.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dustin/go-humanize"
	"github.com/hannahhoward/go-pubsub"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/core/transfer"
)

var (
	// ErrUnknownTransaction is returned for ids that are absent or terminal.
	ErrUnknownTransaction = errors.New("unknown transaction")
	// ErrTooManyTransactions is returned when the live table is full.
	ErrTooManyTransactions = errors.New("too many live transactions")
	// ErrUnknownEntity is returned for puts to an unconfigured entity.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrRejected is returned when a put request is refused.
	ErrRejected = errors.New("request rejected")
)

//go:generate mockgen -destination=../../mocks/mock_transport.go -package=mocks . Transport

// Transport delivers PDUs to the peer of a transaction. Delivery is best effort.
type Transport interface {
	Send(id pdu.TransactionID, p pdu.Pdu) error
}

// Clock supplies the time used for timeouts.
type Clock interface {
	Now() time.Time
}

// Sequencer hands out transaction sequence numbers.
type Sequencer interface {
	Next() (uint64, error)
}

// Archive persists summaries of reaped transactions.
type Archive interface {
	Record(s dto.Summary) (string, error)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options configure a Manager.
type Options struct {
	LocalEntity      pdu.EntityID
	Remotes          []pdu.EntityID // empty accepts any entity
	Transfer         transfer.Config
	MaxPending       int
	Retention        time.Duration
	ProgressInterval time.Duration // zero publishes every progress event
	TickInterval     time.Duration
}

// Option tunes optional collaborators.
type Option func(m *Manager) error

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Manager) error {
		m.clock = c
		return nil
	}
}

// WithExecutor replaces the inline executor.
func WithExecutor(e Executor) Option {
	return func(m *Manager) error {
		m.exec = e
		return nil
	}
}

// WithArchive records summaries of reaped transactions.
func WithArchive(a Archive) Option {
	return func(m *Manager) error {
		m.archive = a
		return nil
	}
}

type entry struct {
	tx         transfer.Transaction
	finishedAt time.Time
	progress   func(f func())
}

type outgoingPdu struct {
	id pdu.TransactionID
	p  pdu.Pdu
}

// Manager is the transaction table and request API of one entity.
type Manager struct {
	conf      Options
	codec     *pdu.Codec
	transport Transport
	files     transfer.FileStore
	seq       Sequencer
	clock     Clock
	exec      Executor
	archive   Archive
	env       *env
	pubSub    *pubsub.PubSub
	stats     counters

	mu      sync.Mutex
	table   map[pdu.TransactionID]*entry
	order   []pdu.TransactionID
	outbox  []outgoingPdu
	events  []dto.Event
	reaped  []dto.Summary
	remotes map[pdu.EntityID]struct{}
	gone    map[pdu.TransactionID]time.Time // reaped ids refused until the deadline

	doneMu      sync.Mutex
	completions []func()
	wake        chan struct{}
}

// New creates a manager. Storage work runs inline unless WithExecutor is given.
func New(conf Options, codec *pdu.Codec, transport Transport, files transfer.FileStore, seq Sequencer, opts ...Option) (*Manager, error) {
	if codec == nil || transport == nil || files == nil || seq == nil {
		return nil, errors.New("codec, transport, file store and sequencer are required")
	}
	if conf.MaxPending <= 0 {
		return nil, errors.New("max pending transactions must be positive")
	}

	m := &Manager{
		conf:      conf,
		codec:     codec,
		transport: transport,
		files:     files,
		seq:       seq,
		clock:     systemClock{},
		exec:      Inline{},
		pubSub:    pubsub.New(dispatcher),
		table:     make(map[pdu.TransactionID]*entry),
		gone:      make(map[pdu.TransactionID]time.Time),
		wake:      make(chan struct{}, 1),
	}
	m.env = &env{m: m}
	if len(conf.Remotes) > 0 {
		m.remotes = make(map[pdu.EntityID]struct{}, len(conf.Remotes))
		for _, r := range conf.Remotes {
			m.remotes[r] = struct{}{}
		}
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Put starts sending a file and returns the new transaction id. The transfer
// proceeds asynchronously.
func (m *Manager) Put(ctx context.Context, req dto.PutRequest) (pdu.TransactionID, error) {
	var id pdu.TransactionID
	if err := ctx.Err(); err != nil {
		return id, err
	}

	err := m.do(func() error {
		if req.SourceFileName == "" {
			return errors.Wrap(ErrRejected, "source file name is empty")
		}
		if !m.knownRemote(req.Destination) {
			return errors.Wrapf(ErrUnknownEntity, "entity %d", req.Destination)
		}
		if h := m.conf.Transfer.Hooks; h != nil && !h.ExecutePut(&req) {
			return errors.Wrap(ErrRejected, "put hook refused the request")
		}
		if m.live() >= m.conf.MaxPending {
			return errors.Wrapf(ErrTooManyTransactions, "limit %d", m.conf.MaxPending)
		}

		seq, err := m.seq.Next()
		if err != nil {
			return errors.Wrap(err, "allocate sequence number")
		}
		id = pdu.TransactionID{
			Source:      m.conf.LocalEntity,
			Destination: req.Destination,
			Sequence:    seq,
			Direction:   pdu.Upload,
		}
		if _, ok := m.table[id]; ok {
			return errors.Errorf("transaction %s already exists", id)
		}

		tx := transfer.NewOutgoing(id, req, m.conf.Transfer, m.env, m.files)
		m.register(tx)
		tx.Start()
		return nil
	})
	return id, err
}

// OnPdu decodes an inbound PDU and routes it to its transaction, creating a
// receiver for an unseen transaction on Metadata or FileData.
func (m *Manager) OnPdu(data []byte) {
	p, id, err := m.codec.Decode(data)
	if err != nil {
		m.stats.decodeErrors.Inc()
		log.Warnf("dropping undecodable PDU (%d bytes): %v", len(data), err)
		return
	}
	m.stats.pdusReceived.Inc()
	if fd, ok := p.(pdu.FileData); ok {
		m.stats.bytesReceived.Add(uint64(len(fd.Data)))
	}

	_ = m.do(func() error {
		m.route(p, id)
		return nil
	})
}

func (m *Manager) route(p pdu.Pdu, id pdu.TransactionID) {
	if !m.addressedHere(id) {
		m.drop(p, id, "addressed to another entity")
		return
	}

	e, ok := m.table[id]
	if !ok {
		if _, reaped := m.gone[id]; reaped {
			m.drop(p, id, "transaction already finished")
			return
		}
		switch p.(type) {
		case pdu.Metadata, pdu.FileData:
		default:
			m.drop(p, id, "unknown transaction")
			return
		}
		if id.Direction != pdu.Download {
			m.drop(p, id, "no such outgoing transaction")
			return
		}
		if !m.knownRemote(id.Source) {
			m.drop(p, id, "unknown source entity")
			return
		}
		if m.live() >= m.conf.MaxPending {
			m.drop(p, id, "transaction table full")
			return
		}
		e = m.register(transfer.NewIncoming(id, m.conf.Transfer, m.env, m.files))
	}

	if e.tx.State() == dto.StateCancelled {
		m.drop(p, id, "transaction cancelled")
		return
	}
	e.tx.Handle(p)
}

func (m *Manager) drop(p pdu.Pdu, id pdu.TransactionID, reason string) {
	m.stats.pdusDropped.Inc()
	log.WithFields(log.Fields{"tx": id.String(), "pdu": pdu.Name(p)}).Debugf("dropping PDU: %s", reason)
}

// Pause stops emission for a transaction.
func (m *Manager) Pause(id pdu.TransactionID) error {
	return m.do(func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		return e.tx.Pause()
	})
}

// Resume continues a paused transaction.
func (m *Manager) Resume(id pdu.TransactionID) error {
	return m.do(func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		return e.tx.Resume()
	})
}

// Cancel ends a transaction and notifies its peer.
func (m *Manager) Cancel(id pdu.TransactionID) error {
	return m.do(func() error {
		e, err := m.lookup(id)
		if err != nil {
			return err
		}
		return e.tx.Cancel()
	})
}

// Handle dispatches a request. The returned id is the new transaction for a
// put and the addressed one otherwise.
func (m *Manager) Handle(ctx context.Context, req dto.Request) (pdu.TransactionID, error) {
	switch r := req.(type) {
	case dto.PutRequest:
		return m.Put(ctx, r)
	case dto.PauseRequest:
		return r.ID, m.Pause(r.ID)
	case dto.ResumeRequest:
		return r.ID, m.Resume(r.ID)
	case dto.CancelRequest:
		return r.ID, m.Cancel(r.ID)
	default:
		return pdu.TransactionID{}, errors.Errorf("unsupported request %T", req)
	}
}

// List returns the summaries of all listed transactions, oldest first.
func (m *Manager) List() []dto.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]dto.Summary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.table[id].tx.Summary())
	}
	return out
}

// Get returns the summary of one listed transaction.
func (m *Manager) Get(id pdu.TransactionID) (dto.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[id]
	if !ok {
		return dto.Summary{}, errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	return e.tx.Summary(), nil
}

// Tick fires expired timers and reaps transactions past retention. A reaped
// id stays refused for another retention period, so late PDUs cannot start a
// new receiver for it.
func (m *Manager) Tick(now time.Time) {
	_ = m.do(func() error {
		for _, id := range m.order {
			e := m.table[id]
			if !dto.Terminal(e.tx.State()) {
				e.tx.Tick(now)
			}
		}

		for id, until := range m.gone {
			if !now.Before(until) {
				delete(m.gone, id)
			}
		}

		kept := m.order[:0]
		for _, id := range m.order {
			e := m.table[id]
			if !e.finishedAt.IsZero() && now.Sub(e.finishedAt) >= m.conf.Retention {
				m.reaped = append(m.reaped, e.tx.Summary())
				delete(m.table, id)
				m.gone[id] = now.Add(m.conf.Retention)
				continue
			}
			kept = append(kept, id)
		}
		m.order = kept
		return nil
	})
}

// Subscribe registers fn for all transaction events. Events are delivered
// outside the manager's lock.
func (m *Manager) Subscribe(fn Subscriber) Unsubscribe {
	return Unsubscribe(m.pubSub.Subscribe(fn))
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	m.mu.Lock()
	s.Active = m.live()
	m.mu.Unlock()
	return s
}

// Run ticks at the configured interval and applies storage completions as
// they arrive, until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.conf.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(m.clock.Now())
		case <-m.wake:
			_ = m.do(func() error { return nil })
		}
	}
}

// Close stops the executor after queued storage work has run.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec.Close()
}

// do runs fn under the lock, applies storage completions, then sends the
// PDUs and publishes the events produced meanwhile.
func (m *Manager) do(fn func() error) error {
	m.mu.Lock()
	err := fn()
	m.drain()
	out, events, reaped := m.outbox, m.events, m.reaped
	m.outbox, m.events, m.reaped = nil, nil, nil
	m.mu.Unlock()

	for _, o := range out {
		if sendErr := m.transport.Send(o.id, o.p); sendErr != nil {
			m.stats.pdusDropped.Inc()
			log.WithField("tx", o.id.String()).Debugf("send %s: %v", pdu.Name(o.p), sendErr)
			continue
		}
		m.stats.pdusSent.Inc()
		if fd, ok := o.p.(pdu.FileData); ok {
			m.stats.bytesSent.Add(uint64(len(fd.Data)))
		}
	}
	for _, ev := range events {
		_ = m.pubSub.Publish(ev)
	}
	for _, s := range reaped {
		m.record(s)
	}
	return err
}

func (m *Manager) record(s dto.Summary) {
	if m.archive == nil {
		return
	}
	key, err := m.archive.Record(s)
	if err != nil {
		log.WithField("tx", s.ID.String()).Warnf("archive summary: %v", err)
		return
	}
	log.WithField("tx", s.ID.String()).Debugf("archived as %s", key)
}

// drain applies completions queued by the executor, including those that
// completions themselves cause.
func (m *Manager) drain() {
	for {
		m.doneMu.Lock()
		pending := m.completions
		m.completions = nil
		m.doneMu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, fn := range pending {
			fn()
		}
	}
}

func (m *Manager) complete(fn func()) {
	m.doneMu.Lock()
	m.completions = append(m.completions, fn)
	m.doneMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) register(tx transfer.Transaction) *entry {
	e := &entry{tx: tx}
	if m.conf.ProgressInterval > 0 {
		e.progress = debounce.New(m.conf.ProgressInterval)
	}
	id, s := tx.ID(), tx.Summary()
	m.table[id] = e
	m.order = append(m.order, id)
	m.events = append(m.events, dto.Event{Code: dto.EventCreated, Summary: s})

	log.WithFields(log.Fields{"tx": id.String(), "file": s.SourceFileName}).Info("transaction created")
	return e
}

func (m *Manager) lookup(id pdu.TransactionID) (*entry, error) {
	e, ok := m.table[id]
	if !ok || dto.Terminal(e.tx.State()) {
		return nil, errors.Wrapf(ErrUnknownTransaction, "%s", id)
	}
	return e, nil
}

func (m *Manager) live() int {
	n := 0
	for _, e := range m.table {
		if !dto.Terminal(e.tx.State()) {
			n++
		}
	}
	return n
}

func (m *Manager) knownRemote(e pdu.EntityID) bool {
	if m.remotes == nil {
		return true
	}
	_, ok := m.remotes[e]
	return ok
}

func (m *Manager) addressedHere(id pdu.TransactionID) bool {
	if id.Direction == pdu.Upload {
		return id.Source == m.conf.LocalEntity
	}
	return id.Destination == m.conf.LocalEntity
}

// env is the manager as seen by its transactions. Its methods run under the
// manager's lock.
type env struct {
	m *Manager
}

func (e *env) Send(id pdu.TransactionID, p pdu.Pdu) {
	e.m.outbox = append(e.m.outbox, outgoingPdu{id: id, p: p})
}

func (e *env) Submit(id pdu.TransactionID, job transfer.Job) {
	m := e.m
	err := m.exec.Execute(id, func() {
		err := job.Run()
		m.complete(func() { job.Done(err) })
	})
	if err != nil {
		// the transaction still sees the failure through Done
		m.complete(func() { job.Done(err) })
	}
}

func (e *env) Now() time.Time {
	return e.m.clock.Now()
}

func (e *env) Notify(code dto.EventCode, s dto.Summary) {
	m := e.m
	ev := dto.Event{Code: code, Summary: s}
	ent := m.table[s.ID]

	switch code {
	case dto.EventProgress:
		if ent != nil && ent.progress != nil {
			ent.progress(func() { _ = m.pubSub.Publish(ev) })
			return
		}
	case dto.EventCompleted, dto.EventFailed, dto.EventCancelled:
		m.stats.outcome(code)
		if ent != nil {
			ent.finishedAt = m.clock.Now()
			if ent.progress != nil {
				// a pending progress event would arrive after the outcome
				ent.progress(func() {})
			}
		}
		log.WithFields(log.Fields{
			"tx":    s.ID.String(),
			"bytes": humanize.IBytes(s.BytesTransferred),
			"cc":    s.Condition.String(),
		}).Infof("transaction %s", s.State)
	}
	m.events = append(m.events, ev)
}
