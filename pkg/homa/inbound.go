package homa

import (
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// Inbound is the receiver-side state of one message. Fields are guarded by
// the owning Receiver's mutex; status is read with atomic loads. The chunk
// bitmap has a bit per MTU-sized chunk; a bit is set iff that chunk's
// bytes are present in the buffer.
type Inbound struct {
	id     wire.MessageID
	src    driver.Address
	flags  wire.Flags
	length uint32
	buf    *Buffer

	bitmap    []uint64
	numChunks int
	received  uint32

	grantOffset uint32
	grantPrio   uint8

	status int32

	lastActivity   time.Time
	resendDeadline time.Time
	resends        int

	// srptKey freezes the remaining-bytes value the scheduler last indexed
	// this message under; the tree entry is keyed by it until re-inserted.
	srptKey   uint32
	scheduled bool

	appHeld bool
	acked   bool
	dropped bool
}

// ID returns the message id.
func (m *Inbound) ID() wire.MessageID { return m.id }

// Source returns the sender's address.
func (m *Inbound) Source() driver.Address { return m.src }

// Length returns the message length in bytes.
func (m *Inbound) Length() uint32 { return m.length }

// Status returns the message's current status. Safe from any goroutine.
func (m *Inbound) Status() Status {
	return Status(atomic.LoadInt32(&m.status))
}

func (m *Inbound) setStatus(s Status) {
	atomic.StoreInt32(&m.status, int32(s))
}

// remaining returns the bytes not yet received.
func (m *Inbound) remaining() uint32 { return m.length - m.received }

// markChunk sets the chunk's bit; ok is false if it was already set.
func (m *Inbound) markChunk(i int) (ok bool) {
	w, b := i/64, uint(i%64)
	if m.bitmap[w]&(1<<b) != 0 {
		return false
	}
	m.bitmap[w] |= 1 << b
	return true
}

// hasChunk reports whether the chunk's bytes are present.
func (m *Inbound) hasChunk(i int) bool {
	w, b := i/64, uint(i%64)
	return m.bitmap[w]&(1<<b) != 0
}

// chunksReceived counts set bits.
func (m *Inbound) chunksReceived() int {
	n := 0
	for _, w := range m.bitmap {
		n += bits.OnesCount64(w)
	}
	return n
}

// lowestMissing returns the index of the first unreceived chunk, or -1 if
// none is missing.
func (m *Inbound) lowestMissing() int {
	for w, word := range m.bitmap {
		if word != ^uint64(0) {
			i := w*64 + bits.TrailingZeros64(^word)
			if i < m.numChunks {
				return i
			}
			return -1
		}
	}
	return -1
}
