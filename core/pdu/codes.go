package pdu

import (
	"fmt"
	"strings"
)

// DirectiveCode is the first body byte of a file-directive PDU.
type DirectiveCode uint8

const (
	DirectiveEOF       DirectiveCode = 0x04
	DirectiveFinished  DirectiveCode = 0x05
	DirectiveAck       DirectiveCode = 0x06
	DirectiveMetadata  DirectiveCode = 0x07
	DirectiveNak       DirectiveCode = 0x08
	DirectivePrompt    DirectiveCode = 0x09
	DirectiveKeepAlive DirectiveCode = 0x0C
)

func (c DirectiveCode) String() string {
	switch c {
	case DirectiveEOF:
		return "EOF"
	case DirectiveFinished:
		return "Finished"
	case DirectiveAck:
		return "ACK"
	case DirectiveMetadata:
		return "Metadata"
	case DirectiveNak:
		return "NAK"
	case DirectivePrompt:
		return "Prompt"
	case DirectiveKeepAlive:
		return "KeepAlive"
	default:
		return fmt.Sprintf("directive(0x%02x)", uint8(c))
	}
}

// ConditionCode classifies the outcome or fault of a transaction.
type ConditionCode uint8

const (
	NoError                 ConditionCode = 0
	AckLimitReached         ConditionCode = 1
	KeepAliveLimitReached   ConditionCode = 2
	InvalidTransmissionMode ConditionCode = 3
	FilestoreRejection      ConditionCode = 4
	FileChecksumFailure     ConditionCode = 5
	FileSizeError           ConditionCode = 6
	NakLimitReached         ConditionCode = 7
	InactivityDetected      ConditionCode = 8
	InvalidFileStructure    ConditionCode = 9
	CheckLimitReached       ConditionCode = 10
	UnsupportedChecksum     ConditionCode = 11
	SuspendRequestReceived  ConditionCode = 14
	CancelRequestReceived   ConditionCode = 15
)

var conditionNames = map[ConditionCode]string{
	NoError:                 "NoError",
	AckLimitReached:         "AckLimitReached",
	KeepAliveLimitReached:   "KeepAliveLimitReached",
	InvalidTransmissionMode: "InvalidTransmissionMode",
	FilestoreRejection:      "FilestoreRejection",
	FileChecksumFailure:     "FileChecksumFailure",
	FileSizeError:           "FileSizeError",
	NakLimitReached:         "NakLimitReached",
	InactivityDetected:      "InactivityDetected",
	InvalidFileStructure:    "InvalidFileStructure",
	CheckLimitReached:       "CheckLimitReached",
	UnsupportedChecksum:     "UnsupportedChecksum",
	SuspendRequestReceived:  "SuspendRequestReceived",
	CancelRequestReceived:   "CancelRequestReceived",
}

func (c ConditionCode) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Condition(%d)", uint8(c))
}

// ParseConditionCode looks a condition code up by name, ignoring case.
func ParseConditionCode(name string) (ConditionCode, bool) {
	for code, n := range conditionNames {
		if strings.EqualFold(n, name) {
			return code, true
		}
	}
	return 0, false
}

// TransactionStatus is reported in ACK PDUs.
type TransactionStatus uint8

const (
	StatusUndefined TransactionStatus = iota
	StatusActive
	StatusTerminated
	StatusUnrecognized
)

// FileStatus reports what the receiver did with the delivered file.
type FileStatus uint8

const (
	FileDiscardedDeliberately FileStatus = iota
	FileDiscardedByFilestore
	FileRetained
	FileStatusUnreported
)

// PromptKind selects the response a Prompt PDU asks for.
type PromptKind uint8

const (
	PromptNak PromptKind = iota
	PromptKeepAlive
)
