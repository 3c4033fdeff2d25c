package transfer

import (
	"bytes"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/fsm"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/core/segments"
)

func incomingTable() fsm.Table {
	return table(fsm.Table{
		dto.StateWaitingMetadata: fsm.Edges(dto.StateReceiving, dto.StateChecking),
		dto.StateReceiving:       fsm.Edges(dto.StateChecking),
		dto.StateChecking:        fsm.Edges(dto.StateSendingFinished, dto.StateSendingNak, dto.StateReceiving, dto.StateWaitingMetadata),
		dto.StateSendingNak:      fsm.Edges(dto.StateReceiving, dto.StateWaitingMetadata),
		dto.StateSendingFinished: fsm.Edges(dto.StateCompleted),
	},
		dto.StateWaitingMetadata, dto.StateReceiving, dto.StateChecking,
		dto.StateSendingNak, dto.StateSendingFinished,
	)
}

// verdict is the outcome of finalizing the received file.
type verdict struct {
	sum uint32
	err error
}

// Incoming is the receiver side of one transaction.
type Incoming struct {
	base

	set              *segments.Set
	metadata         *pdu.Metadata
	dstName          string
	held             *segments.Set // ranges buffered before Metadata
	provisional      []pdu.FileData
	provisionalBytes int
	eof              *pdu.EOF
	pending          *verdict
	final            *pdu.Finished

	nakRounds   int
	nakDeadline time.Time
	nakRetry    *backoff.Backoff
	violations  int
	touched     bool
}

// NewIncoming creates a receiver waiting for Metadata.
func NewIncoming(id pdu.TransactionID, conf Config, env Env, store FileStore) *Incoming {
	return &Incoming{
		base:     newBase(id, conf, env, store, fsm.New(dto.StateWaitingMetadata, incomingTable())),
		set:      segments.New(),
		held:     segments.New(),
		nakRetry: conf.retrySchedule(conf.NakTimeout),
	}
}

// Handle processes a PDU from the sender.
func (t *Incoming) Handle(p pdu.Pdu) {
	switch t.sm.Current() {
	case dto.StateCancelled:
		return
	case dto.StateCompleted, dto.StateFailed:
		t.handleTerminal(p)
		return
	}
	t.lastActivity = t.env.Now()

	switch v := p.(type) {
	case pdu.Metadata:
		t.onMetadata(v)
	case pdu.FileData:
		t.onFileData(v)
	case pdu.EOF:
		t.onEOF(v)
	case pdu.Prompt:
		t.onPrompt(v)
	case pdu.Ack:
		t.log.Debugf("ACK of %s before completion", v.AckedDirective)
	default:
		t.log.Warnf("dropping unexpected %s on the receiving side", pdu.Name(p))
	}
}

// handleTerminal answers retransmissions that arrive after the outcome is
// known, so a lost Finished or ACK does not strand the sender.
func (t *Incoming) handleTerminal(p pdu.Pdu) {
	switch v := p.(type) {
	case pdu.EOF:
		t.send(pdu.Ack{AckedDirective: pdu.DirectiveEOF, Condition: v.Condition, Status: pdu.StatusTerminated})
		if t.final != nil {
			t.send(*t.final)
		}
	case pdu.Prompt:
		if t.final != nil {
			t.send(*t.final)
		}
	case pdu.Ack:
		t.log.Debugf("sender acknowledged %s", v.AckedDirective)
	}
}

func (t *Incoming) onMetadata(md pdu.Metadata) {
	if t.metadata != nil {
		t.log.Debug("dropping duplicate Metadata")
		return
	}

	if err := t.set.SetTotalLength(md.FileSize); err != nil {
		t.violation(pdu.FileSizeError, err.Error())
		return
	}
	if !md.ChecksumKind.Supported() {
		t.metadata = &md
		t.fault(pdu.UnsupportedChecksum, "checksum kind "+md.ChecksumKind.String())
		return
	}

	t.dstName = md.DestinationFileName
	if t.dstName == "" {
		t.dstName = md.SourceFileName
	}
	req := &dto.IncomingRequest{
		ID:                  t.id,
		SourceFileName:      md.SourceFileName,
		DestinationFileName: t.dstName,
		FileSize:            md.FileSize,
	}
	t.metadata = &md
	if t.dstName == "" || (t.conf.Hooks != nil && !t.conf.Hooks.ExecuteIncoming(req)) {
		t.finish(dto.StateFailed, pdu.FilestoreRejection, "incoming file rejected", pdu.FileDiscardedDeliberately)
		return
	}
	t.log.Infof("receiving %s (%s)", t.dstName, humanize.IBytes(md.FileSize))

	t.reset()

	// segments that arrived ahead of Metadata
	for _, fd := range t.provisional {
		length := uint64(len(fd.Data))
		if fd.Offset+length > md.FileSize {
			t.violation(pdu.FileSizeError, "buffered segment beyond file size")
			if t.terminal() {
				return
			}
			continue
		}
		if t.set.Insert(fd.Offset, length) > 0 {
			t.write(fd)
		}
	}
	t.provisional, t.provisionalBytes, t.held = nil, 0, segments.New()

	if t.effective() == dto.StateWaitingMetadata {
		t.setState(dto.StateReceiving, t.Summary)
	}
	t.env.Notify(dto.EventProgress, t.Summary())
	if t.eof != nil && !t.paused() {
		t.check()
	}
}

func (t *Incoming) onFileData(fd pdu.FileData) {
	length := uint64(len(fd.Data))
	if total, ok := t.set.TotalLength(); ok && fd.Offset+length > total {
		t.violation(pdu.FileSizeError, "segment beyond file size")
		return
	}

	if t.metadata == nil {
		if t.held.Contains(fd.Offset, length) {
			return
		}
		if t.provisionalBytes+len(fd.Data) > t.conf.ProvisionalLimit {
			t.log.Warnf("provisional buffer full, dropping segment at %d", fd.Offset)
			return
		}
		t.provisional = append(t.provisional, fd)
		t.provisionalBytes += len(fd.Data)
		t.held.Insert(fd.Offset, length)
		return
	}

	if t.set.Contains(fd.Offset, length) {
		t.verify(fd)
		return
	}
	t.set.Insert(fd.Offset, length)
	t.write(fd)
	t.env.Notify(dto.EventProgress, t.Summary())

	if t.eof != nil && t.set.Complete() && t.sm.Current() == dto.StateReceiving {
		t.check()
	}
}

func (t *Incoming) onEOF(eof pdu.EOF) {
	if !t.paused() {
		t.send(pdu.Ack{AckedDirective: pdu.DirectiveEOF, Condition: eof.Condition, Status: pdu.StatusActive})
	}

	if eof.Condition != pdu.NoError {
		state := dto.StateFailed
		if eof.Condition == pdu.CancelRequestReceived {
			state = dto.StateCancelled
		}
		t.faultLocation = eof.FaultLocation
		t.finishSilently(state, eof.Condition, "sender ended the transfer with "+eof.Condition.String())
		return
	}

	if err := t.set.SetTotalLength(eof.FileSize); err != nil {
		t.violation(pdu.FileSizeError, err.Error())
		return
	}
	if t.eof == nil {
		t.log.Infof("EOF received, %s of %s", humanize.IBytes(t.set.Covered()), humanize.IBytes(eof.FileSize))
	}
	t.eof = &eof

	if !t.paused() {
		t.check()
	}
}

func (t *Incoming) onPrompt(p pdu.Prompt) {
	if t.paused() {
		return
	}
	if p.Kind == pdu.PromptKeepAlive {
		t.send(pdu.KeepAlive{Progress: t.set.Covered()})
		return
	}
	t.sendNaks()
}

// check decides between Finished and NAK once EOF has been seen.
func (t *Incoming) check() {
	if !t.sm.Is(dto.StateWaitingMetadata, dto.StateReceiving) {
		return
	}
	t.setState(dto.StateChecking, t.Summary)

	if t.metadata == nil || !t.set.Complete() {
		t.nak()
		return
	}

	var sum uint32
	kind := t.metadata.ChecksumKind
	t.env.Submit(t.id, Job{
		Run: func() error {
			var err error
			sum, err = t.store.Finalize(t.dstName, kind)
			return err
		},
		Done: func(err error) {
			if t.terminal() {
				return
			}
			v := &verdict{sum: sum, err: err}
			if t.paused() {
				t.pending = v
				return
			}
			t.conclude(v)
		},
	})
}

// conclude applies the finalize result.
func (t *Incoming) conclude(v *verdict) {
	switch {
	case v.err != nil:
		t.fail(pdu.FilestoreRejection, "finalize: "+v.err.Error(), pdu.FileDiscardedByFilestore)
	case v.sum != t.eof.Checksum:
		t.log.Warnf("checksum mismatch: computed 0x%08x, EOF carries 0x%08x", v.sum, t.eof.Checksum)
		t.fail(pdu.FileChecksumFailure, "checksum mismatch", pdu.FileDiscardedDeliberately)
	default:
		t.setState(dto.StateSendingFinished, t.Summary)
		t.finish(dto.StateCompleted, pdu.NoError, "", pdu.FileRetained)
	}
}

func (t *Incoming) nak() {
	t.nakRounds++
	if t.conf.NakLimit >= 0 && t.nakRounds > t.conf.NakLimit {
		// a suspended transaction must resume somewhere that still checks
		t.reopen()
		t.fault(pdu.NakLimitReached, "data still missing")
		return
	}

	t.setState(dto.StateSendingNak, t.Summary)
	t.sendNaks()
	t.reopen()

	if t.nakRounds == 1 {
		t.nakRetry.Reset()
	}
	t.nakDeadline = t.env.Now().Add(t.nakRetry.Duration())
}

// reopen goes back to collecting PDUs after a check found something missing.
func (t *Incoming) reopen() {
	if t.metadata == nil {
		t.setState(dto.StateWaitingMetadata, t.Summary)
	} else {
		t.setState(dto.StateReceiving, t.Summary)
	}
}

// gaps returns the data ranges still missing. Before Metadata the buffered
// segments count as received.
func (t *Incoming) gaps() []segments.Range {
	if t.metadata != nil {
		return t.set.Missing()
	}
	total, ok := t.set.TotalLength()
	if !ok {
		return nil
	}
	view := segments.New()
	for _, r := range t.held.Ranges() {
		view.Insert(r.Start, r.Len())
	}
	_ = view.SetTotalLength(total)
	return view.Missing()
}

// sendNaks emits the missing ranges, as many pairs per PDU as fit.
func (t *Incoming) sendNaks() {
	var missing []segments.Range
	if t.metadata == nil {
		missing = append(missing, segments.Range{})
	}
	missing = append(missing, t.gaps()...)
	if len(missing) == 0 {
		return
	}

	per := t.conf.MaxNakSegments
	if total, ok := t.set.TotalLength(); ok && total > math.MaxUint32 {
		per = t.conf.LargeNakSegments
		if per == 0 {
			per = t.conf.MaxNakSegments / 2
		}
	}
	if per < 1 {
		per = 1
	}
	for start := 0; start < len(missing); start += per {
		batch := missing[start:min(start+per, len(missing))]
		t.send(pdu.Nak{
			ScopeStart: batch[0].Start,
			ScopeEnd:   batch[len(batch)-1].End,
			Segments:   batch,
		})
	}
	t.log.Infof("NAK for %d missing ranges (round %d)", len(missing), t.nakRounds)
}

// reset empties the destination object before the first write, so data left
// by an earlier transfer to the same name cannot survive into this one.
func (t *Incoming) reset() {
	name := t.dstName
	t.touched = true
	t.env.Submit(t.id, Job{
		Run: func() error {
			if err := t.store.Discard(name); err != nil {
				return err
			}
			return t.store.WriteRange(name, 0, nil)
		},
		Done: func(err error) {
			if err != nil && !t.terminal() {
				t.fail(pdu.FilestoreRejection, "prepare "+name+": "+err.Error(), pdu.FileDiscardedByFilestore)
			}
		},
	})
}

func (t *Incoming) write(fd pdu.FileData) {
	name := t.dstName
	t.touched = true
	t.env.Submit(t.id, Job{
		Run: func() error {
			return t.store.WriteRange(name, fd.Offset, fd.Data)
		},
		Done: func(err error) {
			if err != nil && !t.terminal() {
				t.fail(pdu.FilestoreRejection, "write: "+err.Error(), pdu.FileDiscardedByFilestore)
			}
		},
	})
}

// verify compares a retransmitted segment with what is already stored.
// A difference means corruption somewhere and is logged.
func (t *Incoming) verify(fd pdu.FileData) {
	var stored []byte
	name := t.dstName
	t.env.Submit(t.id, Job{
		Run: func() error {
			var err error
			stored, err = t.store.ReadRange(name, fd.Offset, len(fd.Data))
			return err
		},
		Done: func(err error) {
			if err != nil {
				t.log.Warnf("read back segment at %d: %v", fd.Offset, err)
				return
			}
			if !bytes.Equal(stored, fd.Data) {
				t.log.Warnf("segment at %d (%d bytes) differs from stored data", fd.Offset, len(fd.Data))
			}
		},
	})
}

func (t *Incoming) violation(cc pdu.ConditionCode, msg string) {
	t.violations++
	t.log.Warnf("protocol violation (%d/%d): %s", t.violations, t.conf.ViolationLimit, msg)
	if t.violations > t.conf.ViolationLimit {
		t.fault(cc, msg)
	}
}

// Tick drives NAK retries and inactivity detection.
func (t *Incoming) Tick(now time.Time) {
	if t.terminal() || t.paused() {
		return
	}
	if !t.sm.Is(dto.StateWaitingMetadata, dto.StateReceiving) {
		return
	}

	if t.eof != nil && !now.Before(t.nakDeadline) {
		t.check()
		return
	}
	if t.conf.InactivityTimeout > 0 && now.Sub(t.lastActivity) >= t.conf.InactivityTimeout {
		t.fault(pdu.InactivityDetected, "no PDU for "+t.conf.InactivityTimeout.String())
	}
}

// Pause stops emission and timers. Segments keep being stored.
func (t *Incoming) Pause() error {
	return t.pause(t.Summary)
}

// Resume re-arms timers and runs any check deferred while paused. The NAK
// round count starts over; a file that is still incomplete gets its next NAK
// when the timer expires.
func (t *Incoming) Resume() error {
	if err := t.resume(t.Summary); err != nil {
		return err
	}
	t.nakRounds = 0
	t.nakRetry.Reset()
	t.nakDeadline = t.env.Now().Add(t.conf.NakTimeout)

	if v := t.pending; v != nil {
		t.pending = nil
		t.conclude(v)
		return nil
	}
	if t.eof != nil && t.metadata != nil && t.set.Complete() {
		t.check()
	}
	return nil
}

// Cancel ends the transaction and tells the sender with a Finished PDU.
func (t *Incoming) Cancel() error {
	if t.terminal() {
		return ErrTerminal
	}
	t.finish(dto.StateCancelled, pdu.CancelRequestReceived, "cancelled by user", pdu.FileDiscardedDeliberately)
	return nil
}

func (t *Incoming) fault(cc pdu.ConditionCode, reason string) {
	switch t.conf.faultAction(cc) {
	case FaultSuspend:
		t.log.Warnf("%s: %s, suspending", cc, reason)
		t.recordOutcome(cc, reason)
		_ = t.Pause()
	case FaultAbandon:
		t.finishSilently(dto.StateFailed, cc, reason)
	default:
		t.fail(cc, reason, pdu.FileDiscardedDeliberately)
	}
}

func (t *Incoming) fail(cc pdu.ConditionCode, reason string, status pdu.FileStatus) {
	t.finish(dto.StateFailed, cc, reason, status)
}

// finish moves to a terminal state and emits the final Finished, which is
// kept for retransmission.
func (t *Incoming) finish(state fsm.State, cc pdu.ConditionCode, reason string, status pdu.FileStatus) {
	if t.terminal() {
		return
	}
	fin := pdu.Finished{
		Condition:    cc,
		DataComplete: t.set.Complete(),
		FileStatus:   status,
	}
	if cc != pdu.NoError && cc != pdu.CancelRequestReceived {
		loc := t.id.Destination
		fin.FaultLocation = &loc
	}
	t.final = &fin
	t.send(fin)
	t.finishSilently(state, cc, reason)
}

func (t *Incoming) finishSilently(state fsm.State, cc pdu.ConditionCode, reason string) {
	if t.terminal() {
		return
	}
	t.recordOutcome(cc, reason)
	t.provisional, t.provisionalBytes, t.held = nil, 0, segments.New()
	if state != dto.StateCompleted {
		t.log.Warnf("transfer %s: %s", state, reason)
		t.discard()
	} else {
		t.log.Infof("received %s (%s)", t.dstName, humanize.IBytes(t.set.Covered()))
	}
	t.setState(state, t.Summary)
}

// discard removes partial data. It is queued behind writes already submitted
// so none of them lands after the removal.
func (t *Incoming) discard() {
	if !t.touched {
		return
	}
	name := t.dstName
	t.env.Submit(t.id, Job{
		Run: func() error {
			return t.store.Discard(name)
		},
		Done: func(err error) {
			if err != nil {
				t.log.Warnf("discard %s: %v", name, err)
			}
		},
	})
}

// Summary reports the receiver's progress.
func (t *Incoming) Summary() dto.Summary {
	s := t.base.summary()
	if t.metadata != nil {
		s.SourceFileName = t.metadata.SourceFileName
	}
	s.DestinationFileName = t.dstName
	s.BytesTransferred = t.set.Covered() + t.held.Covered() // held is empty once Metadata arrives
	s.BytesTotal, _ = t.set.TotalLength()
	return s
}
