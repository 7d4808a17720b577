// Package driver defines the packet I/O capability set the Homa transport
// is built over, along with the packet buffer pool shared by all
// implementations.
package driver

import (
	"errors"
	"sync"
)

// Address is an opaque network address. Drivers parse and format it; the
// transport only compares it and uses it as a map key.
type Address string

// Errors returned by drivers.
var (
	ErrClosed         = errors.New("driver closed")
	ErrForeignBuf     = errors.New("buffer does not belong to this driver")
	ErrInvalidAddress = errors.New("invalid address")
)

// Driver exposes a single NIC queue to one transport instance. Send takes
// ownership of the buffer; buffers handed out by Receive are owned by the
// caller until released or absorbed.
type Driver interface {
	// AllocPacket returns a free packet buffer, or nil when the pool is
	// exhausted. It never blocks.
	AllocPacket() *Buf

	// Send transmits the buffer's content and takes ownership of it.
	Send(b *Buf) error

	// Receive moves up to max ingress buffers into out and returns how many
	// were moved. It never blocks.
	Receive(max int, out []*Buf) int

	// Release returns buffers to the pool.
	Release(bufs ...*Buf)

	// LocalAddress returns the address packets from this driver carry as
	// their source.
	LocalAddress() Address

	// ParseAddress parses a string form produced by FormatAddress.
	ParseAddress(s string) (Address, error)

	// FormatAddress renders an address for display.
	FormatAddress(a Address) string

	// MaxPayload returns the maximum number of message bytes a single DATA
	// packet can carry.
	MaxPayload() int

	// Bandwidth returns the link bandwidth in bits per second.
	Bandwidth() uint64

	// Close releases the driver's resources.
	Close() error
}

// Buf is a fixed-size packet buffer drawn from a Pool. Addr is the
// destination on egress and the source on ingress.
type Buf struct {
	Addr Address

	raw  []byte
	n    int
	pool *Pool
	free bool
}

// Raw returns the buffer's full backing storage.
func (b *Buf) Raw() []byte { return b.raw }

// Bytes returns the buffer's occupied prefix.
func (b *Buf) Bytes() []byte { return b.raw[:b.n] }

// SetLen marks the first n bytes as occupied.
func (b *Buf) SetLen(n int) { b.n = n }

// Len returns the occupied length.
func (b *Buf) Len() int { return b.n }

// Pool is a fixed-capacity free list of packet buffers. Allocation fails
// rather than blocks when the pool is dry.
type Pool struct {
	mu            sync.Mutex
	free          []*Buf
	capacity      int
	exhausted     uint64
	doubleRelease uint64
}

// NewPool constructs a Pool of capacity buffers, each bufSize bytes.
func NewPool(capacity, bufSize int) *Pool {
	p := &Pool{capacity: capacity}
	p.free = make([]*Buf, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Buf{raw: make([]byte, bufSize), pool: p, free: true})
	}
	return p
}

// Alloc returns a free buffer or nil.
func (p *Pool) Alloc() *Buf {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.exhausted++
		return nil
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.n = 0
	b.free = false
	return b
}

// Release returns buffers to the pool. Buffers from another pool are
// ignored.
func (p *Pool) Release(bufs ...*Buf) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range bufs {
		if b == nil || b.pool != p {
			continue
		}
		if b.free {
			p.doubleRelease++
			continue
		}
		b.free = true
		p.free = append(p.free, b)
	}
}

// Free returns the number of buffers currently available.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Exhausted returns how many allocations failed on an empty pool.
func (p *Pool) Exhausted() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

// DoubleReleases returns how many buffers were released twice.
func (p *Pool) DoubleReleases() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doubleRelease
}
