package driver

import (
	"fmt"
	"sync"
)

// MockNetwork is an in-memory packet fabric connecting any number of
// MockDrivers. Hooks on each driver allow tests to drop or duplicate
// packets in flight.
type MockNetwork struct {
	mu         sync.Mutex
	nodes      map[Address]*MockDriver
	poolSize   int
	maxPayload int
	bandwidth  uint64
}

// NewMockNetwork constructs an empty fabric.
func NewMockNetwork(poolSize, maxPayload int, bandwidth uint64) *MockNetwork {
	return &MockNetwork{
		nodes:      make(map[Address]*MockDriver),
		poolSize:   poolSize,
		maxPayload: maxPayload,
		bandwidth:  bandwidth,
	}
}

// Join attaches a new driver to the fabric under the given address.
func (n *MockNetwork) Join(addr Address) *MockDriver {
	n.mu.Lock()
	defer n.mu.Unlock()

	d := &MockDriver{
		net:        n,
		addr:       addr,
		pool:       NewPool(n.poolSize, n.maxPayload+packetHeadroom),
		maxPayload: n.maxPayload,
		bandwidth:  n.bandwidth,
	}
	n.nodes[addr] = d
	return d
}

func (n *MockNetwork) lookup(addr Address) *MockDriver {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

func (n *MockNetwork) leave(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

// NewMockDriverPair constructs a two-node fabric and returns its drivers.
func NewMockDriverPair(addrA, addrB Address, poolSize, maxPayload int, bandwidth uint64) (*MockDriver, *MockDriver) {
	n := NewMockNetwork(poolSize, maxPayload, bandwidth)
	return n.Join(addrA), n.Join(addrB)
}

// packetHeadroom leaves room for the largest packet header in front of a
// full payload.
const packetHeadroom = 64

// MockDriver is an in-memory Driver attached to a MockNetwork.
type MockDriver struct {
	net        *MockNetwork
	addr       Address
	pool       *Pool
	maxPayload int
	bandwidth  uint64

	mu      sync.Mutex
	ingress []*Buf
	closed  bool

	// DropFunc, when set, is consulted for every egress packet; returning
	// true discards the packet.
	DropFunc func(pkt []byte) bool

	// DupFunc, when set, is consulted for every egress packet; returning
	// true delivers a second copy.
	DupFunc func(pkt []byte) bool

	ingressDrops uint64
}

// AllocPacket implements Driver.
func (d *MockDriver) AllocPacket() *Buf { return d.pool.Alloc() }

// Send implements Driver. The packet bytes are copied into the target's
// pool; the sent buffer is returned to this driver's pool. Packets to
// unknown addresses vanish, as they would on a real fabric.
func (d *MockDriver) Send(b *Buf) error {
	if b == nil || b.pool != d.pool {
		return ErrForeignBuf
	}
	defer d.pool.Release(b)

	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if d.DropFunc != nil && d.DropFunc(b.Bytes()) {
		return nil
	}

	dst := d.net.lookup(b.Addr)
	if dst == nil {
		return nil
	}
	dst.deliver(d.addr, b.Bytes())
	if d.DupFunc != nil && d.DupFunc(b.Bytes()) {
		dst.deliver(d.addr, b.Bytes())
	}
	return nil
}

func (d *MockDriver) deliver(src Address, pkt []byte) {
	in := d.pool.Alloc()
	if in == nil {
		d.mu.Lock()
		d.ingressDrops++
		d.mu.Unlock()
		return
	}
	copy(in.Raw(), pkt)
	in.SetLen(len(pkt))
	in.Addr = src

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.pool.Release(in)
		return
	}
	d.ingress = append(d.ingress, in)
	d.mu.Unlock()
}

// Receive implements Driver.
func (d *MockDriver) Receive(max int, out []*Buf) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < max && n < len(out) && len(d.ingress) > 0 {
		out[n] = d.ingress[0]
		d.ingress = d.ingress[1:]
		n++
	}
	return n
}

// Release implements Driver.
func (d *MockDriver) Release(bufs ...*Buf) { d.pool.Release(bufs...) }

// LocalAddress implements Driver.
func (d *MockDriver) LocalAddress() Address { return d.addr }

// ParseAddress implements Driver.
func (d *MockDriver) ParseAddress(s string) (Address, error) {
	if s == "" {
		return "", ErrInvalidAddress
	}
	return Address(s), nil
}

// FormatAddress implements Driver.
func (d *MockDriver) FormatAddress(a Address) string { return string(a) }

// MaxPayload implements Driver.
func (d *MockDriver) MaxPayload() int { return d.maxPayload }

// Bandwidth implements Driver.
func (d *MockDriver) Bandwidth() uint64 { return d.bandwidth }

// Close implements Driver.
func (d *MockDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	ingress := d.ingress
	d.ingress = nil
	d.mu.Unlock()

	d.pool.Release(ingress...)
	d.net.leave(d.addr)
	return nil
}

// IngressDrops returns how many packets were lost to pool exhaustion.
func (d *MockDriver) IngressDrops() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ingressDrops
}

// Pool exposes the driver's buffer pool for test assertions.
func (d *MockDriver) Pool() *Pool { return d.pool }

// String implements fmt.Stringer
func (d *MockDriver) String() string {
	return fmt.Sprintf("mock(%s)", d.addr)
}
