package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/cryguy/webworker/internal/codec"
)

// Callback is a pending delivery: the identifier the script registered and
// the encoded payload for it.
type Callback struct {
	ID      string
	Payload *codec.Buffer
}

// Mailbox is a capacity-one channel from the host to the worker. A Put
// that finds an unread item replaces it; the old payload is released and
// counted as dropped. Callers that cannot lose deliveries must wait for an
// acknowledgement before putting the next one.
type Mailbox struct {
	mu      sync.Mutex // serializes producers
	slot    chan Callback
	dropped atomic.Uint64
}

// NewMailbox returns an empty Mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{slot: make(chan Callback, 1)}
}

// Put stores cb and wakes the worker. It never blocks. It reports whether
// an unread item was dropped to make room.
func (m *Mailbox) Put(cb Callback) (dropped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case old := <-m.slot:
		old.Payload.Release()
		m.dropped.Add(1)
		dropped = true
	default:
	}
	m.slot <- cb
	return dropped
}

// Wait blocks until an item arrives or quit is closed. A closed quit always
// wins: an item that arrives together with it is released, not returned.
func (m *Mailbox) Wait(quit <-chan struct{}) (Callback, bool) {
	select {
	case <-quit:
		return Callback{}, false
	default:
	}
	select {
	case <-quit:
		return Callback{}, false
	case cb := <-m.slot:
		select {
		case <-quit:
			cb.Payload.Release()
			return Callback{}, false
		default:
		}
		return cb, true
	}
}

// Drain releases an unread item, if any. It is part of worker teardown.
func (m *Mailbox) Drain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case old := <-m.slot:
		old.Payload.Release()
		return true
	default:
		return false
	}
}

// Pending reports whether an unread item is waiting.
func (m *Mailbox) Pending() bool { return len(m.slot) > 0 }

// Dropped returns how many items were overwritten before being read.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }
