// Package pdu defines the protocol data units exchanged by two entities and
// their binary encoding.
package pdu

import (
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/segments"
)

// Pdu is one protocol message. The set of implementations is closed:
// Metadata, FileData, EOF, Ack, Nak, Finished, Prompt and KeepAlive.
type Pdu interface {
	// Directive returns the directive code, or 0 for file data.
	Directive() DirectiveCode
	isPdu()
}

// Metadata opens a transaction.
type Metadata struct {
	ClosureRequested    bool
	ChecksumKind        checksum.Kind
	FileSize            uint64
	SourceFileName      string
	DestinationFileName string
}

// FileData carries one segment of the file.
type FileData struct {
	Offset uint64
	Data   []byte
}

// EOF closes the data phase and carries the whole-file checksum.
type EOF struct {
	Condition     ConditionCode
	Checksum      uint32
	FileSize      uint64
	FaultLocation *EntityID
}

// Ack acknowledges an EOF or Finished directive.
type Ack struct {
	AckedDirective DirectiveCode
	Condition      ConditionCode
	Status         TransactionStatus
}

// Nak lists the ranges the receiver still misses within [ScopeStart, ScopeEnd).
// The segment (0,0) requests the Metadata PDU.
type Nak struct {
	ScopeStart uint64
	ScopeEnd   uint64
	Segments   []segments.Range
}

// Finished reports the receiver's final outcome.
type Finished struct {
	Condition     ConditionCode
	DataComplete  bool
	FileStatus    FileStatus
	FaultLocation *EntityID
}

// Prompt asks the receiver for a NAK or a KeepAlive.
type Prompt struct {
	Kind PromptKind
}

// KeepAlive reports receiver progress.
type KeepAlive struct {
	Progress uint64
}

func (Metadata) Directive() DirectiveCode  { return DirectiveMetadata }
func (FileData) Directive() DirectiveCode  { return 0 }
func (EOF) Directive() DirectiveCode       { return DirectiveEOF }
func (Ack) Directive() DirectiveCode       { return DirectiveAck }
func (Nak) Directive() DirectiveCode       { return DirectiveNak }
func (Finished) Directive() DirectiveCode  { return DirectiveFinished }
func (Prompt) Directive() DirectiveCode    { return DirectivePrompt }
func (KeepAlive) Directive() DirectiveCode { return DirectiveKeepAlive }

func (Metadata) isPdu()  {}
func (FileData) isPdu()  {}
func (EOF) isPdu()       {}
func (Ack) isPdu()       {}
func (Nak) isPdu()       {}
func (Finished) isPdu()  {}
func (Prompt) isPdu()    {}
func (KeepAlive) isPdu() {}

// Name returns a short label for logs.
func Name(p Pdu) string {
	if _, ok := p.(FileData); ok {
		return "FileData"
	}
	return p.Directive().String()
}
