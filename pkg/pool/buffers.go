// Package pool provides the byte-slice pooling used on the media-stream
// send path, where every paced frame needs a short-lived buffer and the
// send rate can run into the thousands of datagrams per second.
package pool

import (
	"sync"
)

// ByteSlicePool pools byte slices of common sizes.
type ByteSlicePool struct {
	small  sync.Pool // 1KB
	medium sync.Pool // 8KB
	large  sync.Pool // 64KB
}

// DefaultByteSlicePool is the default byte slice pool.
var DefaultByteSlicePool = NewByteSlicePool()

// NewByteSlicePool creates a new byte slice pool.
func NewByteSlicePool() *ByteSlicePool {
	return &ByteSlicePool{
		small: sync.Pool{
			New: func() any {
				b := make([]byte, 1024)
				return &b
			},
		},
		medium: sync.Pool{
			New: func() any {
				b := make([]byte, 8*1024)
				return &b
			},
		},
		large: sync.Pool{
			New: func() any {
				b := make([]byte, 64*1024)
				return &b
			},
		},
	}
}

// Get retrieves a byte slice of at least the requested size.
func (p *ByteSlicePool) Get(size int) []byte {
	if size <= 1024 {
		buf := p.small.Get().(*[]byte)
		return (*buf)[:size]
	}
	if size <= 8*1024 {
		buf := p.medium.Get().(*[]byte)
		return (*buf)[:size]
	}
	if size <= 64*1024 {
		buf := p.large.Get().(*[]byte)
		return (*buf)[:size]
	}
	// Too large for pool, allocate directly
	return make([]byte, size)
}

// Put returns a byte slice to the pool.
func (p *ByteSlicePool) Put(b []byte) {
	if b == nil {
		return
	}
	c := cap(b)
	if c == 1024 {
		p.small.Put(&b)
	} else if c == 8*1024 {
		p.medium.Put(&b)
	} else if c == 64*1024 {
		p.large.Put(&b)
	}
	// Other sizes are discarded
}

// GetBytes retrieves a byte slice from the default pool.
func GetBytes(size int) []byte {
	return DefaultByteSlicePool.Get(size)
}

// PutBytes returns a byte slice to the default pool.
func PutBytes(b []byte) {
	DefaultByteSlicePool.Put(b)
}
