package transfer

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jpillora/backoff"
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/fsm"
	"github.com/vadiminshakov/cfdp/core/pdu"
	"github.com/vadiminshakov/cfdp/core/segments"
)

func outgoingTable() fsm.Table {
	return table(fsm.Table{
		dto.StateQueued:          fsm.Edges(dto.StateMetadataSent),
		dto.StateMetadataSent:    fsm.Edges(dto.StateSendingData),
		dto.StateSendingData:     fsm.Edges(dto.StateEOFSent),
		dto.StateEOFSent:         fsm.Edges(dto.StateWaitingFinished, dto.StateResending, dto.StateCompleted),
		dto.StateWaitingFinished: fsm.Edges(dto.StateResending, dto.StateCompleted),
		dto.StateResending:       fsm.Edges(dto.StateCompleted),
	},
		dto.StateQueued, dto.StateMetadataSent, dto.StateSendingData,
		dto.StateEOFSent, dto.StateWaitingFinished, dto.StateResending,
	)
}

// Outgoing is the sender side of one transaction.
type Outgoing struct {
	base

	srcName  string
	dstName  string
	segSize  int
	kind     checksum.Kind
	closure  bool
	prepared bool
	size     uint64
	sum      uint32

	nextOffset  uint64
	sent        uint64
	inflight    int
	resend      []segments.Range
	held        []pdu.FileData
	resendMeta  bool
	eofSent     bool
	eofAcked    bool
	eofResends  int
	eofDeadline time.Time
	eofRetry    *backoff.Backoff
	prompts     int
	promptAt    time.Time
	promptRetry *backoff.Backoff
}

// NewOutgoing creates a sender in QUEUED. Start begins the transfer.
func NewOutgoing(id pdu.TransactionID, req dto.PutRequest, conf Config, env Env, store FileStore) *Outgoing {
	segSize := conf.SegmentSize
	if req.Options.SegmentSize > 0 && req.Options.SegmentSize < segSize {
		segSize = req.Options.SegmentSize
	}
	kind := checksum.Modular
	if req.Options.ChecksumKind != nil {
		kind = *req.Options.ChecksumKind
	}
	dst := req.DestinationFileName
	if dst == "" {
		dst = req.SourceFileName
	}

	return &Outgoing{
		base:        newBase(id, conf, env, store, fsm.New(dto.StateQueued, outgoingTable())),
		srcName:     req.SourceFileName,
		dstName:     dst,
		segSize:     segSize,
		kind:        kind,
		closure:     req.Options.ClosureRequested,
		eofRetry:    conf.retrySchedule(conf.AckTimeout),
		promptRetry: conf.retrySchedule(conf.AckTimeout),
	}
}

// Start reads the source size and checksum, then sends Metadata and data.
func (t *Outgoing) Start() {
	var (
		size uint64
		sum  uint32
	)
	t.env.Submit(t.id, Job{
		Run: func() error {
			var err error
			if size, err = t.store.Size(t.srcName); err != nil {
				return err
			}
			sum, err = t.store.Checksum(t.srcName, t.kind)
			return err
		},
		Done: func(err error) {
			if t.terminal() {
				return
			}
			if err != nil {
				t.finish(dto.StateFailed, pdu.FilestoreRejection, "read source: "+err.Error(), false)
				return
			}
			t.size, t.sum, t.prepared = size, sum, true
			t.log.Infof("sending %s (%s) as %s", t.srcName, humanize.IBytes(size), t.dstName)
			if !t.paused() {
				t.advance()
			}
		},
	})
}

// advance continues from the current state once the transfer may emit.
func (t *Outgoing) advance() {
	switch t.sm.Current() {
	case dto.StateQueued:
		if !t.prepared {
			return
		}
		t.sendMetadata()
		t.setState(dto.StateMetadataSent, t.Summary)
		t.setState(dto.StateSendingData, t.Summary)
		t.pump()
	case dto.StateSendingData, dto.StateResending, dto.StateEOFSent, dto.StateWaitingFinished:
		t.pump()
	}
}

func (t *Outgoing) sendMetadata() {
	t.send(pdu.Metadata{
		ClosureRequested:    t.closure,
		ChecksumKind:        t.kind,
		FileSize:            t.size,
		SourceFileName:      t.srcName,
		DestinationFileName: t.dstName,
	})
}

// pump emits held segments, issues reads for pending retransmissions and,
// while sending data, for the next fresh segments. EOF follows the last one.
func (t *Outgoing) pump() {
	if t.paused() || t.terminal() {
		return
	}

	if t.resendMeta {
		t.resendMeta = false
		t.sendMetadata()
	}

	for len(t.held) > 0 {
		fd := t.held[0]
		t.held = t.held[1:]
		t.emitData(fd)
	}

	window := t.conf.SendWindow
	if window < 1 {
		window = 1
	}
	for t.inflight < window && len(t.resend) > 0 {
		r := t.resend[0]
		t.resend = t.resend[1:]
		t.read(r)
	}

	if t.sm.Current() != dto.StateSendingData {
		return
	}
	for t.inflight < window && t.nextOffset < t.size {
		n := min(uint64(t.segSize), t.size-t.nextOffset)
		t.read(segments.Range{Start: t.nextOffset, End: t.nextOffset + n})
		t.nextOffset += n
	}
	if t.nextOffset >= t.size && t.inflight == 0 {
		t.sendEOF()
	}
}

func (t *Outgoing) read(r segments.Range) {
	t.inflight++
	var data []byte
	t.env.Submit(t.id, Job{
		Run: func() error {
			var err error
			data, err = t.store.ReadRange(t.srcName, r.Start, int(r.Len()))
			return err
		},
		Done: func(err error) {
			t.inflight--
			if t.terminal() {
				return
			}
			if err != nil {
				t.finish(dto.StateFailed, pdu.FilestoreRejection, "read source: "+err.Error(), true)
				return
			}
			fd := pdu.FileData{Offset: r.Start, Data: data}
			if t.paused() {
				t.held = append(t.held, fd)
				return
			}
			t.emitData(fd)
			t.pump()
		},
	})
}

func (t *Outgoing) emitData(fd pdu.FileData) {
	t.send(fd)
	// first transmissions advance progress, retransmissions do not
	if end := fd.Offset + uint64(len(fd.Data)); !t.eofSent && end > t.sent {
		t.sent = end
		t.env.Notify(dto.EventProgress, t.Summary())
	}
}

func (t *Outgoing) sendEOF() {
	t.send(pdu.EOF{Condition: pdu.NoError, Checksum: t.sum, FileSize: t.size})
	t.eofSent = true
	t.eofRetry.Reset()
	t.eofDeadline = t.env.Now().Add(t.eofRetry.Duration())
	t.setState(dto.StateEOFSent, t.Summary)
}

// Handle processes a PDU from the receiver.
func (t *Outgoing) Handle(p pdu.Pdu) {
	now := t.env.Now()

	switch t.sm.Current() {
	case dto.StateCancelled:
		return
	case dto.StateCompleted, dto.StateFailed:
		if fin, ok := p.(pdu.Finished); ok {
			t.send(pdu.Ack{AckedDirective: pdu.DirectiveFinished, Condition: fin.Condition, Status: pdu.StatusTerminated})
		}
		return
	}

	t.lastActivity = now
	t.prompts = 0
	t.promptRetry.Reset()
	t.promptAt = now.Add(t.promptRetry.Duration())

	switch v := p.(type) {
	case pdu.Ack:
		t.onAck(v)
	case pdu.Nak:
		t.onNak(v)
	case pdu.Finished:
		t.onFinished(v)
	case pdu.KeepAlive:
		t.log.Debugf("receiver progress %s", humanize.IBytes(v.Progress))
	default:
		t.log.Warnf("dropping unexpected %s on the sending side", pdu.Name(p))
	}
}

func (t *Outgoing) onAck(ack pdu.Ack) {
	if ack.AckedDirective != pdu.DirectiveEOF {
		t.log.Warnf("dropping ACK of %s", ack.AckedDirective)
		return
	}
	if !t.eofSent || t.eofAcked {
		return
	}
	t.eofAcked = true
	if t.effective() == dto.StateEOFSent {
		t.setState(dto.StateWaitingFinished, t.Summary)
	}
}

func (t *Outgoing) onNak(nak pdu.Nak) {
	if !t.eofSent {
		t.log.Debug("dropping NAK received before EOF")
		return
	}

	var bytes uint64
	for _, r := range nak.Segments {
		if r.Start == 0 && r.End == 0 {
			t.resendMeta = true
			continue
		}
		if r.End > t.size {
			r.End = t.size
		}
		for start := r.Start; start < r.End; {
			end := min(start+uint64(t.segSize), r.End)
			t.resend = append(t.resend, segments.Range{Start: start, End: end})
			bytes += end - start
			start = end
		}
	}
	t.log.Infof("NAK for %d ranges, resending %s", len(nak.Segments), humanize.IBytes(bytes))

	t.setState(dto.StateResending, t.Summary)
	t.pump()
}

func (t *Outgoing) onFinished(fin pdu.Finished) {
	t.send(pdu.Ack{AckedDirective: pdu.DirectiveFinished, Condition: fin.Condition, Status: pdu.StatusTerminated})
	t.faultLocation = fin.FaultLocation

	switch {
	case fin.Condition == pdu.CancelRequestReceived:
		t.finish(dto.StateCancelled, fin.Condition, "cancelled by receiver", false)
	case fin.Condition == pdu.NoError && fin.DataComplete:
		if !t.eofSent {
			t.log.Warn("dropping successful Finished received before EOF")
			return
		}
		t.finish(dto.StateCompleted, pdu.NoError, "", false)
	default:
		t.finish(dto.StateFailed, fin.Condition, "receiver reported "+fin.Condition.String(), false)
	}
}

// Tick drives the EOF retransmission and the prompt timers.
func (t *Outgoing) Tick(now time.Time) {
	if t.terminal() || t.paused() {
		return
	}

	if t.eofSent && !t.eofAcked && !now.Before(t.eofDeadline) {
		if t.eofResends >= t.conf.AckLimit {
			t.fault(pdu.AckLimitReached, "no ACK for EOF")
			return
		}
		t.eofResends++
		t.log.Infof("EOF not acknowledged, resending (%d/%d)", t.eofResends, t.conf.AckLimit)
		t.send(pdu.EOF{Condition: pdu.NoError, Checksum: t.sum, FileSize: t.size})
		t.eofDeadline = now.Add(t.eofRetry.Duration())
	}

	if t.eofAcked && t.sm.Is(dto.StateWaitingFinished, dto.StateResending) && !now.Before(t.promptAt) {
		if t.prompts >= t.conf.AckLimit {
			t.fault(pdu.InactivityDetected, "receiver silent after EOF")
			return
		}
		t.prompts++
		t.send(pdu.Prompt{Kind: pdu.PromptNak})
		t.promptAt = now.Add(t.promptRetry.Duration())
	}
}

// Pause stops emission; reads in flight are held until Resume.
func (t *Outgoing) Pause() error {
	return t.pause(t.Summary)
}

// Resume re-arms timers and continues where the transfer stopped.
func (t *Outgoing) Resume() error {
	if err := t.resume(t.Summary); err != nil {
		return err
	}
	now := t.env.Now()
	t.eofResends, t.prompts = 0, 0
	if t.eofSent && !t.eofAcked {
		t.eofDeadline = now.Add(t.conf.AckTimeout)
	}
	t.promptAt = now.Add(t.conf.AckTimeout)
	t.advance()
	return nil
}

// Cancel stops the transfer and tells the receiver with a cancel EOF.
func (t *Outgoing) Cancel() error {
	if t.terminal() {
		return ErrTerminal
	}
	t.finish(dto.StateCancelled, pdu.CancelRequestReceived, "cancelled by user", true)
	return nil
}

func (t *Outgoing) fault(cc pdu.ConditionCode, reason string) {
	switch t.conf.faultAction(cc) {
	case FaultSuspend:
		t.log.Warnf("%s: %s, suspending", cc, reason)
		t.recordOutcome(cc, reason)
		_ = t.Pause()
	case FaultAbandon:
		t.finish(dto.StateFailed, cc, reason, false)
	default:
		t.finish(dto.StateFailed, cc, reason, true)
	}
}

// finish moves to a terminal state, optionally notifying the receiver with
// an EOF carrying the condition.
func (t *Outgoing) finish(state fsm.State, cc pdu.ConditionCode, reason string, notifyPeer bool) {
	if t.terminal() {
		return
	}
	if notifyPeer && t.prepared && cc != pdu.NoError {
		t.send(pdu.EOF{Condition: cc, Checksum: t.sum, FileSize: t.sent})
	}
	t.recordOutcome(cc, reason)
	t.resend, t.held = nil, nil
	if state != dto.StateCompleted {
		t.log.Warnf("transfer %s: %s", state, reason)
	} else {
		t.log.Infof("transfer of %s completed", t.srcName)
	}
	t.setState(state, t.Summary)
}

// Summary reports the sender's progress.
func (t *Outgoing) Summary() dto.Summary {
	s := t.base.summary()
	s.SourceFileName = t.srcName
	s.DestinationFileName = t.dstName
	s.BytesTransferred = t.sent
	s.BytesTotal = t.size
	return s
}
