package codec

import (
	"sync/atomic"

	"github.com/cryguy/webworker/internal/core"
)

// Buffer is an owned block of encoded bytes. Ownership moves between the
// host and the worker exactly once per handoff: the receiver calls Take (or
// Decode, which takes), after which the sender's reference is dead.
type Buffer struct {
	data     []byte
	released atomic.Bool
}

// NewBuffer wraps data in a Buffer. The caller gives up data.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Len returns the number of bytes held, or 0 once released.
func (b *Buffer) Len() int {
	if b == nil || b.released.Load() {
		return 0
	}
	return len(b.data)
}

// Bytes borrows the contents without transferring ownership.
func (b *Buffer) Bytes() ([]byte, error) {
	if b == nil || b.released.Load() {
		return nil, core.ErrBufferReleased
	}
	return b.data, nil
}

// Take transfers the bytes out of the Buffer. It succeeds at most once.
func (b *Buffer) Take() ([]byte, error) {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return nil, core.ErrBufferReleased
	}
	data := b.data
	b.data = nil
	return data, nil
}

// Release drops the contents. It reports whether this call released the
// bytes; releasing twice, or releasing a nil Buffer, is a no-op.
func (b *Buffer) Release() bool {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return false
	}
	b.data = nil
	return true
}

// Released reports whether the bytes were taken or released.
func (b *Buffer) Released() bool {
	return b == nil || b.released.Load()
}
