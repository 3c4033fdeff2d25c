package pdu

import "fmt"

// EntityID identifies a protocol participant.
type EntityID uint64

// Direction tells whether the local entity sends or receives the file.
type Direction uint8

const (
	// Upload means the local entity is the file sender.
	Upload Direction = iota
	// Download means the local entity is the file receiver.
	Download
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// TransactionID identifies one transfer. It is comparable and used as a map key.
type TransactionID struct {
	Source      EntityID
	Destination EntityID
	Sequence    uint64
	Direction   Direction
}

// Peer returns the remote entity of the transaction.
func (id TransactionID) Peer() EntityID {
	if id.Direction == Upload {
		return id.Destination
	}
	return id.Source
}

// Opposite returns the same transaction as seen by the other party.
func (id TransactionID) Opposite() TransactionID {
	out := id
	if id.Direction == Upload {
		out.Direction = Download
	} else {
		out.Direction = Upload
	}
	return out
}

func (id TransactionID) String() string {
	return fmt.Sprintf("%d-%d-%d/%s", id.Source, id.Destination, id.Sequence, id.Direction)
}
