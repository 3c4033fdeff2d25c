// Package store provides the object storage used as file source and sink,
// and the archive of finished transfers, on top of BadgerDB.
package store

import (
	"bytes"
	"encoding/binary"
	stdErrors "errors"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/checksum"
)

// BlockSize is the size of the chunks objects are split into.
const BlockSize = 64 * 1024

var (
	// ErrNotFound returned when the object does not exist in the store.
	ErrNotFound = errors.New("object not found")
	// ErrOutOfRange returned when a read goes past the end of the object.
	ErrOutOfRange = errors.New("range outside object")

	metaPrefix  = []byte("meta/")
	blockPrefix = []byte("obj/")
)

// Open opens (or creates) the badger database at dbPath.
func Open(dbPath string) (*badger.DB, error) {
	if dbPath == "" {
		return nil, errors.New("db path is empty")
	}
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create badger directory")
	}

	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open badger db")
	}
	return db, nil
}

// Bucket stores named objects as fixed-size blocks in BadgerDB. Writes may
// arrive out of order and overlap; unwritten gaps read as zeros.
type Bucket struct {
	db *badger.DB
	mu sync.RWMutex
}

// NewBucket creates a bucket on top of an open database.
func NewBucket(db *badger.DB) *Bucket {
	return &Bucket{db: db}
}

type objectMeta struct {
	size     uint64
	complete bool
}

func metaKey(name string) []byte {
	return append(append([]byte{}, metaPrefix...), name...)
}

// objectPrefix is length-prefixed so that one name is never a prefix of another's blocks.
func objectPrefix(name string) []byte {
	key := append([]byte{}, blockPrefix...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(name)))
	return append(key, name...)
}

func blockKey(name string, idx uint64) []byte {
	return binary.BigEndian.AppendUint64(objectPrefix(name), idx)
}

func getMeta(txn *badger.Txn, name string) (objectMeta, error) {
	item, err := txn.Get(metaKey(name))
	if err != nil {
		if stdErrors.Is(err, badger.ErrKeyNotFound) {
			return objectMeta{}, ErrNotFound
		}
		return objectMeta{}, err
	}

	var m objectMeta
	err = item.Value(func(val []byte) error {
		if len(val) != 9 {
			return errors.Errorf("corrupt object meta for %s", name)
		}
		m.size = binary.BigEndian.Uint64(val[:8])
		m.complete = val[8] == 1
		return nil
	})
	return m, err
}

func setMeta(txn *badger.Txn, name string, m objectMeta) error {
	val := binary.BigEndian.AppendUint64(make([]byte, 0, 9), m.size)
	if m.complete {
		val = append(val, 1)
	} else {
		val = append(val, 0)
	}
	return txn.Set(metaKey(name), val)
}

// getBlock returns a copy of the block, or nil if it was never written.
func getBlock(txn *badger.Txn, name string, idx uint64) ([]byte, error) {
	item, err := txn.Get(blockKey(name, idx))
	if err != nil {
		if stdErrors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Put replaces the object with data.
func (b *Bucket) Put(name string, data []byte) error {
	if err := b.Discard(name); err != nil {
		return err
	}
	// keep each badger transaction small
	const chunk = 16 * BlockSize
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := b.WriteRange(name, uint64(off), data[off:end]); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(txn *badger.Txn) error {
		return setMeta(txn, name, objectMeta{size: uint64(len(data)), complete: true})
	})
}

// Get returns the whole object.
func (b *Bucket) Get(name string) ([]byte, error) {
	size, err := b.Size(name)
	if err != nil {
		return nil, err
	}
	return b.ReadRange(name, 0, int(size))
}

// Size returns the object length.
func (b *Bucket) Size(name string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var m objectMeta
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = getMeta(txn, name)
		return err
	})
	return m.size, err
}

// ReadRange returns length bytes starting at offset.
func (b *Bucket) ReadRange(name string, offset uint64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]byte, length)
	err := b.db.View(func(txn *badger.Txn) error {
		m, err := getMeta(txn, name)
		if err != nil {
			return err
		}
		end := offset + uint64(length)
		if end > m.size {
			return errors.Wrapf(ErrOutOfRange, "%s: [%d,%d) past size %d", name, offset, end, m.size)
		}

		for pos := offset; pos < end; {
			idx := pos / BlockSize
			inBlock := pos % BlockSize
			n := min(BlockSize-inBlock, end-pos)

			block, err := getBlock(txn, name, idx)
			if err != nil {
				return err
			}
			if uint64(len(block)) > inBlock {
				copy(out[pos-offset:pos-offset+n], block[inBlock:])
			}
			pos += n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// WriteRange writes data at offset, creating or growing the object.
func (b *Bucket) WriteRange(name string, offset uint64, data []byte) error {
	if name == "" {
		return errors.New("object name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		m, err := getMeta(txn, name)
		if err != nil && !stdErrors.Is(err, ErrNotFound) {
			return err
		}

		end := offset + uint64(len(data))
		for pos := offset; pos < end; {
			idx := pos / BlockSize
			inBlock := pos % BlockSize
			n := min(BlockSize-inBlock, end-pos)

			block, err := getBlock(txn, name, idx)
			if err != nil {
				return err
			}
			if uint64(len(block)) < inBlock+n {
				grown := make([]byte, inBlock+n)
				copy(grown, block)
				block = grown
			}
			copy(block[inBlock:inBlock+n], data[pos-offset:])
			if err := txn.Set(blockKey(name, idx), block); err != nil {
				return err
			}
			pos += n
		}

		if end > m.size {
			m.size = end
		}
		m.complete = false
		return setMeta(txn, name, m)
	})
}

// Checksum computes the checksum of the object as currently stored.
func (b *Bucket) Checksum(name string, kind checksum.Kind) (uint32, error) {
	summer, err := checksum.New(kind)
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	err = b.db.View(func(txn *badger.Txn) error {
		m, err := getMeta(txn, name)
		if err != nil {
			return err
		}

		zeros := make([]byte, BlockSize)
		for pos := uint64(0); pos < m.size; pos += BlockSize {
			n := min(uint64(BlockSize), m.size-pos)
			block, err := getBlock(txn, name, pos/BlockSize)
			if err != nil {
				return err
			}
			if uint64(len(block)) >= n {
				summer.Write(block[:n])
				continue
			}
			summer.Write(block)
			summer.Write(zeros[:n-uint64(len(block))])
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return summer.Sum32(), nil
}

// Finalize computes the checksum of a received object and marks it complete.
func (b *Bucket) Finalize(name string, kind checksum.Kind) (uint32, error) {
	sum, err := b.Checksum(name, kind)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.db.Update(func(txn *badger.Txn) error {
		m, err := getMeta(txn, name)
		if err != nil {
			return err
		}
		m.complete = true
		return setMeta(txn, name, m)
	})
	return sum, err
}

// Complete reports whether the object was stored whole or finalized.
func (b *Bucket) Complete(name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var m objectMeta
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = getMeta(txn, name)
		return err
	})
	return m.complete, err
}

// Discard removes the object. Removing a missing object is not an error.
func (b *Bucket) Discard(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.db.DropPrefix(objectPrefix(name)); err != nil {
		return errors.Wrap(err, "drop object blocks")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(metaKey(name)); err != nil && !stdErrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
}

// List returns the names of all stored objects.
func (b *Bucket) List() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = metaPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			names = append(names, string(bytes.TrimPrefix(key, metaPrefix)))
		}
		return nil
	})
	return names, err
}
