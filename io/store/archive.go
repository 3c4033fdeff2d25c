package store

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/dto"
)

// DefaultArchiveLimit caps List when no limit is given.
const DefaultArchiveLimit = 100

var archivePrefix = []byte("archive/")

// Record is the archived form of a finished transfer.
type Record struct {
	ID                  string    `json:"id"`
	Source              uint64    `json:"source"`
	Destination         uint64    `json:"destination"`
	Sequence            uint64    `json:"sequence"`
	Direction           string    `json:"direction"`
	State               string    `json:"state"`
	SourceFileName      string    `json:"sourceFileName"`
	DestinationFileName string    `json:"destinationFileName"`
	BytesTransferred    uint64    `json:"bytesTransferred"`
	BytesTotal          uint64    `json:"bytesTotal"`
	Condition           string    `json:"condition"`
	FailureReason       string    `json:"failureReason,omitempty"`
	Created             time.Time `json:"created"`
	Finished            time.Time `json:"finished"`
}

// Archive keeps finished transfer records in BadgerDB, ordered by finish time.
type Archive struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewArchive creates an archive on top of an open database.
func NewArchive(db *badger.DB) *Archive {
	return &Archive{db: db}
}

// Record stores the summary of a finished transfer and returns the record id.
func (a *Archive) Record(s dto.Summary) (string, error) {
	rec := Record{
		ID:                  uuid.NewString(),
		Source:              uint64(s.ID.Source),
		Destination:         uint64(s.ID.Destination),
		Sequence:            s.ID.Sequence,
		Direction:           s.ID.Direction.String(),
		State:               string(s.State),
		SourceFileName:      s.SourceFileName,
		DestinationFileName: s.DestinationFileName,
		BytesTransferred:    s.BytesTransferred,
		BytesTotal:          s.BytesTotal,
		Condition:           s.Condition.String(),
		FailureReason:       s.FailureReason,
		Created:             s.Created,
		Finished:            s.Updated,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal archive record")
	}

	id := uuid.MustParse(rec.ID)
	key := append([]byte{}, archivePrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(rec.Finished.UnixNano()))
	key = append(key, id[:]...)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	}); err != nil {
		return "", errors.Wrap(err, "store archive record")
	}

	return rec.ID, nil
}

// List returns up to limit records, newest first.
func (a *Archive) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultArchiveLimit
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Record
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = archivePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, archivePrefix...), 0xFF)
		for it.Seek(seek); it.Valid() && len(out) < limit; it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return errors.Wrap(err, "decode archive record")
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
