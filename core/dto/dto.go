// Package dto provides the request, summary and event types exchanged between
// the transfer manager and its callers.
package dto

import (
	"time"

	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/fsm"
	"github.com/vadiminshakov/cfdp/core/pdu"
)

// Transfer states of both directions.
const (
	StateQueued          fsm.State = "QUEUED"
	StateMetadataSent    fsm.State = "METADATA_SENT"
	StateSendingData     fsm.State = "SENDING_DATA"
	StateEOFSent         fsm.State = "EOF_SENT"
	StateWaitingFinished fsm.State = "WAITING_FINISHED"
	StateResending       fsm.State = "RESENDING"

	StateWaitingMetadata fsm.State = "WAITING_METADATA"
	StateReceiving       fsm.State = "RECEIVING"
	StateChecking        fsm.State = "CHECKING"
	StateSendingNak      fsm.State = "SENDING_NAK"
	StateSendingFinished fsm.State = "SENDING_FINISHED"

	StatePaused    fsm.State = "PAUSED"
	StateCompleted fsm.State = "COMPLETED"
	StateCancelled fsm.State = "CANCELLED"
	StateFailed    fsm.State = "FAILED"
)

// Terminal reports whether s is one of the final states.
func Terminal(s fsm.State) bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Request is the closed set of user requests: PutRequest, PauseRequest,
// ResumeRequest and CancelRequest.
type Request interface {
	isRequest()
}

// PutRequest asks to send a file from the local store to a remote entity.
type PutRequest struct {
	Destination         pdu.EntityID // Receiving entity
	SourceFileName      string       // Object name in the local store
	DestinationFileName string       // Object name at the receiver; defaults to the source name
	Options             PutOptions
}

// PutOptions tune a single transfer. Zero values take the manager defaults.
type PutOptions struct {
	SegmentSize      int
	ChecksumKind     *checksum.Kind
	ClosureRequested bool
}

// PauseRequest suspends emission for a transaction.
type PauseRequest struct {
	ID pdu.TransactionID
}

// ResumeRequest resumes a paused transaction.
type ResumeRequest struct {
	ID pdu.TransactionID
}

// CancelRequest cancels a transaction.
type CancelRequest struct {
	ID pdu.TransactionID
}

func (PutRequest) isRequest()    {}
func (PauseRequest) isRequest()  {}
func (ResumeRequest) isRequest() {}
func (CancelRequest) isRequest() {}

// IncomingRequest describes a transfer announced by a remote Metadata PDU.
type IncomingRequest struct {
	ID                  pdu.TransactionID
	SourceFileName      string
	DestinationFileName string
	FileSize            uint64
}

// Summary is a point-in-time view of one transaction.
type Summary struct {
	ID                  pdu.TransactionID
	State               fsm.State
	SourceFileName      string
	DestinationFileName string
	BytesTransferred    uint64
	BytesTotal          uint64
	Condition           pdu.ConditionCode
	FaultLocation       *pdu.EntityID
	FailureReason       string
	Created             time.Time
	Updated             time.Time
}

// EventCode classifies a transaction notification.
type EventCode int

const (
	EventCreated EventCode = iota
	EventProgress
	EventStateChanged
	EventCompleted
	EventFailed
	EventCancelled
)

func (c EventCode) String() string {
	switch c {
	case EventCreated:
		return "created"
	case EventProgress:
		return "progress"
	case EventStateChanged:
		return "state-changed"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is a transaction notification for UI and telemetry consumers.
type Event struct {
	Code    EventCode
	Summary Summary
}
