// Package transfer implements the per-transaction state machines: Outgoing
// for the file sender and Incoming for the file receiver.
//
// A transaction never blocks and never touches storage directly. Storage work
// is handed to the Env as a Job; its Done callback comes back on the same
// serialized thread that delivers PDUs and ticks.
package transfer

import (
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/fsm"
	"github.com/vadiminshakov/cfdp/core/hooks"
	"github.com/vadiminshakov/cfdp/core/pdu"
)

var (
	// ErrTerminal is returned when a request targets a finished transaction.
	ErrTerminal = errors.New("transaction is terminal")
	// ErrNotPaused is returned when resuming a transaction that is not paused.
	ErrNotPaused = errors.New("transaction is not paused")
)

//go:generate mockgen -destination=../../mocks/mock_filestore.go -package=mocks . FileStore
type FileStore interface {
	Size(name string) (uint64, error)
	ReadRange(name string, offset uint64, length int) ([]byte, error)
	WriteRange(name string, offset uint64, data []byte) error
	Checksum(name string, kind checksum.Kind) (uint32, error)
	Finalize(name string, kind checksum.Kind) (uint32, error)
	Discard(name string) error
}

// Job is a unit of storage work. Run executes off the manager's thread; Done
// is called afterwards on it with Run's error.
type Job struct {
	Run  func() error
	Done func(err error)
}

// Env is what a transaction needs from its owner.
type Env interface {
	Send(id pdu.TransactionID, p pdu.Pdu)
	Submit(id pdu.TransactionID, job Job)
	Now() time.Time
	Notify(code dto.EventCode, s dto.Summary)
}

// Transaction is the behaviour shared by both directions.
type Transaction interface {
	ID() pdu.TransactionID
	Handle(p pdu.Pdu)
	Tick(now time.Time)
	Pause() error
	Resume() error
	Cancel() error
	State() fsm.State
	Summary() dto.Summary
}

// FaultAction is what a transaction does when a fault condition is raised.
type FaultAction int

const (
	// FaultCancel fails the transaction and tells the peer.
	FaultCancel FaultAction = iota
	// FaultAbandon fails the transaction silently.
	FaultAbandon
	// FaultSuspend pauses the transaction.
	FaultSuspend
)

// ParseFaultAction maps a config name to an action.
func ParseFaultAction(name string) (FaultAction, error) {
	switch name {
	case "cancel", "CANCEL":
		return FaultCancel, nil
	case "abandon", "ABANDON":
		return FaultAbandon, nil
	case "suspend", "SUSPEND":
		return FaultSuspend, nil
	}
	return 0, errors.Errorf("unknown fault action %q", name)
}

// Config holds the protocol parameters of one transaction.
type Config struct {
	SegmentSize       int
	MaxNakSegments    int // pairs per NAK with 32-bit offsets
	LargeNakSegments  int // pairs per NAK with 64-bit offsets; zero means half of MaxNakSegments
	SendWindow        int
	AckTimeout        time.Duration
	AckLimit          int
	AckBackoffFactor  float64
	NakTimeout        time.Duration
	NakLimit          int // negative means unlimited
	InactivityTimeout time.Duration
	ProvisionalLimit  int
	ViolationLimit    int
	FaultHandlers     map[pdu.ConditionCode]FaultAction
	Hooks             *hooks.Registry
}

func (c Config) faultAction(cc pdu.ConditionCode) FaultAction {
	if a, ok := c.FaultHandlers[cc]; ok {
		return a
	}
	return FaultCancel
}

func (c Config) retrySchedule(interval time.Duration) *backoff.Backoff {
	factor := c.AckBackoffFactor
	if factor < 1 {
		factor = 1
	}
	return &backoff.Backoff{
		Min:    interval,
		Max:    interval * 16,
		Factor: factor,
	}
}

// table adds the side branches to every non-terminal state and lets PAUSED
// return to any of them.
func table(rows fsm.Table, nonTerminal ...fsm.State) fsm.Table {
	paused := fsm.Edges(dto.StateCompleted, dto.StateCancelled, dto.StateFailed)
	for _, s := range nonTerminal {
		row, ok := rows[s]
		if !ok {
			row = fsm.Edges()
			rows[s] = row
		}
		row[dto.StatePaused] = struct{}{}
		row[dto.StateCancelled] = struct{}{}
		row[dto.StateFailed] = struct{}{}
		paused[s] = struct{}{}
	}
	rows[dto.StatePaused] = paused
	return rows
}

// base carries what both directions share: identity, state, timing and outcome.
type base struct {
	id    pdu.TransactionID
	conf  Config
	env   Env
	store FileStore
	sm    *fsm.Machine
	log   *log.Entry

	pausedFrom    fsm.State
	created       time.Time
	updated       time.Time
	lastActivity  time.Time
	condition     pdu.ConditionCode
	faultLocation *pdu.EntityID
	failure       string
}

func newBase(id pdu.TransactionID, conf Config, env Env, store FileStore, sm *fsm.Machine) base {
	now := env.Now()
	return base{
		id:           id,
		conf:         conf,
		env:          env,
		store:        store,
		sm:           sm,
		log:          log.WithFields(log.Fields{"tx": id.String()}),
		created:      now,
		updated:      now,
		lastActivity: now,
	}
}

// ID returns the transaction id.
func (b *base) ID() pdu.TransactionID {
	return b.id
}

// State returns the current state.
func (b *base) State() fsm.State {
	return b.sm.Current()
}

func (b *base) terminal() bool {
	return dto.Terminal(b.sm.Current())
}

func (b *base) paused() bool {
	return b.sm.Current() == dto.StatePaused
}

// effective is the state the transaction is logically in, looking through PAUSED.
func (b *base) effective() fsm.State {
	if b.paused() {
		return b.pausedFrom
	}
	return b.sm.Current()
}

// setState moves to next. While paused, non-terminal moves update the state
// to return to instead.
func (b *base) setState(next fsm.State, summary func() dto.Summary) {
	if b.paused() && !dto.Terminal(next) {
		if next != b.pausedFrom && !b.sm.Allows(b.pausedFrom, next) {
			b.log.Warnf("ignoring move %s -> %s while paused", b.pausedFrom, next)
			return
		}
		b.pausedFrom = next
		return
	}
	if b.sm.Current() == next {
		return
	}
	b.moveTo(next, summary)
}

func (b *base) moveTo(next fsm.State, summary func() dto.Summary) {
	prev := b.sm.Current()
	if err := b.sm.Transition(next); err != nil {
		b.log.Warnf("state machine: %v", err)
		return
	}
	b.updated = b.env.Now()
	b.log.Debugf("%s -> %s", prev, next)

	code := dto.EventStateChanged
	switch next {
	case dto.StateCompleted:
		code = dto.EventCompleted
	case dto.StateFailed:
		code = dto.EventFailed
	case dto.StateCancelled:
		code = dto.EventCancelled
	}
	b.env.Notify(code, summary())
}

func (b *base) pause(summary func() dto.Summary) error {
	if b.terminal() {
		return ErrTerminal
	}
	if b.paused() {
		return nil
	}
	b.pausedFrom = b.sm.Current()
	b.moveTo(dto.StatePaused, summary)
	b.log.Infof("paused in %s", b.pausedFrom)
	return nil
}

// resume returns to the state the transaction left when it was paused.
func (b *base) resume(summary func() dto.Summary) error {
	if b.terminal() {
		return ErrTerminal
	}
	if !b.paused() {
		return ErrNotPaused
	}
	b.moveTo(b.pausedFrom, summary)
	b.lastActivity = b.env.Now()
	b.log.Infof("resumed in %s", b.sm.Current())
	return nil
}

func (b *base) recordOutcome(cc pdu.ConditionCode, reason string) {
	b.condition = cc
	if reason != "" {
		b.failure = reason
	}
}

func (b *base) summary() dto.Summary {
	return dto.Summary{
		ID:            b.id,
		State:         b.sm.Current(),
		Condition:     b.condition,
		FaultLocation: b.faultLocation,
		FailureReason: b.failure,
		Created:       b.created,
		Updated:       b.updated,
	}
}

func (b *base) send(p pdu.Pdu) {
	b.env.Send(b.id, p)
}
