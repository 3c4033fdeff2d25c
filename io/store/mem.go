package store

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/cfdp/core/checksum"
)

// MemBucket keeps objects in memory. It has the same semantics as Bucket.
type MemBucket struct {
	mu      sync.RWMutex
	objects map[string]*memObject
}

type memObject struct {
	data     []byte
	complete bool
}

// NewMemBucket creates an empty in-memory bucket.
func NewMemBucket() *MemBucket {
	return &MemBucket{objects: make(map[string]*memObject)}
}

// Put replaces the object with data.
func (b *MemBucket) Put(name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.objects[name] = &memObject{data: cloneBytes(data), complete: true}
	return nil
}

// Get returns the whole object.
func (b *MemBucket) Get(name string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(obj.data), nil
}

// Size returns the object length.
func (b *MemBucket) Size(name string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[name]
	if !ok {
		return 0, ErrNotFound
	}
	return uint64(len(obj.data)), nil
}

// ReadRange returns length bytes starting at offset.
func (b *MemBucket) ReadRange(name string, offset uint64, length int) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[name]
	if !ok {
		return nil, ErrNotFound
	}
	end := offset + uint64(length)
	if end > uint64(len(obj.data)) {
		return nil, errors.Wrapf(ErrOutOfRange, "%s: [%d,%d) past size %d", name, offset, end, len(obj.data))
	}
	return cloneBytes(obj.data[offset:end]), nil
}

// WriteRange writes data at offset, creating or growing the object.
func (b *MemBucket) WriteRange(name string, offset uint64, data []byte) error {
	if name == "" {
		return errors.New("object name cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.objects[name]
	if !ok {
		obj = &memObject{}
		b.objects[name] = obj
	}
	end := offset + uint64(len(data))
	if end > uint64(len(obj.data)) {
		grown := make([]byte, end)
		copy(grown, obj.data)
		obj.data = grown
	}
	copy(obj.data[offset:end], data)
	obj.complete = false

	return nil
}

// Checksum computes the checksum of the object as currently stored.
func (b *MemBucket) Checksum(name string, kind checksum.Kind) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[name]
	if !ok {
		return 0, ErrNotFound
	}
	return checksum.Compute(kind, bytes.NewReader(obj.data))
}

// Finalize computes the checksum of a received object and marks it complete.
func (b *MemBucket) Finalize(name string, kind checksum.Kind) (uint32, error) {
	sum, err := b.Checksum(name, kind)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[name]; ok {
		obj.complete = true
	}
	return sum, nil
}

// Complete reports whether the object was stored whole or finalized.
func (b *MemBucket) Complete(name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, ok := b.objects[name]
	if !ok {
		return false, ErrNotFound
	}
	return obj.complete, nil
}

// Discard removes the object.
func (b *MemBucket) Discard(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, name)
	return nil
}

// List returns the names of all stored objects.
func (b *MemBucket) List() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}

	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
