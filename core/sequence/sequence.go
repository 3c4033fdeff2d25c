// Package sequence allocates transaction sequence numbers for the local entity.
//
// Every allocated number is journaled before it is handed out, so numbering
// continues past the last journaled value after a restart.
package sequence

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const journalKey = "seq"

type journal interface {
	Write(index uint64, key string, value []byte) error
	Close() error
}

// Allocator hands out sequence numbers in 1..max. Safe for concurrent use.
type Allocator struct {
	mu      sync.Mutex
	journal journal
	walIdx  uint64
	last    uint64
	max     uint64
}

// New recovers the last allocated number from w. A nil w gives a volatile
// allocator starting at 1.
func New(w *gowal.Wal, max uint64) (*Allocator, error) {
	if max == 0 {
		return nil, errors.New("sequence number space is empty")
	}

	a := &Allocator{max: max}
	if w == nil {
		return a, nil
	}
	a.journal = w

	var (
		maxIdx     uint64
		hasEntries bool
	)
	for msg := range w.Iterator() {
		if msg.Key != journalKey || len(msg.Value) != 8 {
			continue
		}
		if !hasEntries || msg.Idx >= maxIdx {
			maxIdx = msg.Idx
			a.last = binary.BigEndian.Uint64(msg.Value)
		}
		hasEntries = true
	}
	if hasEntries {
		a.walIdx = maxIdx + 1
	}

	return a, nil
}

// Next returns the next sequence number, wrapping to 1 after max.
func (a *Allocator) Next() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.last + 1
	if seq > a.max {
		seq = 1
	}

	if a.journal != nil {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := a.journal.Write(a.walIdx, journalKey, buf[:]); err != nil {
			return 0, errors.Wrap(err, "journal sequence number")
		}
		a.walIdx++
	}
	a.last = seq

	return seq, nil
}

// Close closes the journal.
func (a *Allocator) Close() error {
	if a.journal == nil {
		return nil
	}
	return a.journal.Close()
}

// Open opens a gowal journal in dir.
func Open(dir string) (*gowal.Wal, error) {
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "seq_",
		SegmentThreshold: 1024 * 1024,
		MaxSegments:      10,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sequence journal")
	}
	return w, nil
}
