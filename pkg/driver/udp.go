package driver

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

// UDPDriver implements Driver over a single UDP socket. A background
// goroutine copies incoming datagrams into pool buffers; Receive drains
// them without blocking.
type UDPDriver struct {
	log  *logging.Logger
	conn *net.UDPConn
	pool *Pool

	maxPayload int
	bufSize    int
	bandwidth  uint64
	local      Address

	mu      sync.Mutex
	ingress []*Buf
	closed  bool
	wg      sync.WaitGroup
}

// UDPConfig configures a UDPDriver.
type UDPConfig struct {
	// ListenAddr is the local "host:port" to bind.
	ListenAddr string

	// MTU bounds a full packet on the wire; payload capacity is MTU less
	// the largest packet header.
	MTU int

	// BandwidthBPS is the modeled link bandwidth in bits per second.
	BandwidthBPS uint64

	// PoolSize is the packet buffer pool capacity.
	PoolSize int
}

// NewUDPDriver binds a UDP socket and starts its ingress loop.
func NewUDPDriver(cfg UDPConfig) (*UDPDriver, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %v", cfg.ListenAddr)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %v", cfg.ListenAddr)
	}

	d := &UDPDriver{
		log:        logging.MustGetLogger("udp-driver"),
		conn:       conn,
		pool:       NewPool(cfg.PoolSize, cfg.MTU),
		maxPayload: cfg.MTU - packetHeadroom,
		bufSize:    cfg.MTU,
		bandwidth:  cfg.BandwidthBPS,
		local:      Address(conn.LocalAddr().String()),
	}
	d.wg.Add(1)
	go d.ingressLoop()
	return d, nil
}

func (d *UDPDriver) ingressLoop() {
	defer d.wg.Done()

	scratch := make([]byte, 65536)
	for {
		n, raddr, err := d.conn.ReadFromUDP(scratch)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			d.log.WithError(err).Warn("ingress read failed")
			continue
		}
		if n > d.bufSize {
			// Oversized datagram; cannot fit a pool buffer.
			continue
		}

		b := d.pool.Alloc()
		if b == nil {
			// Back-pressure: the fabric absorbs the loss.
			continue
		}
		copy(b.Raw(), scratch[:n])
		b.SetLen(n)
		b.Addr = Address(raddr.String())

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			d.pool.Release(b)
			return
		}
		d.ingress = append(d.ingress, b)
		d.mu.Unlock()
	}
}

// AllocPacket implements Driver.
func (d *UDPDriver) AllocPacket() *Buf { return d.pool.Alloc() }

// Send implements Driver.
func (d *UDPDriver) Send(b *Buf) error {
	if b == nil || b.pool != d.pool {
		return ErrForeignBuf
	}
	defer d.pool.Release(b)

	raddr, err := net.ResolveUDPAddr("udp", string(b.Addr))
	if err != nil {
		return errors.Wrapf(err, "resolving %v", b.Addr)
	}
	if _, err := d.conn.WriteToUDP(b.Bytes(), raddr); err != nil {
		return errors.Wrap(err, "udp write")
	}
	return nil
}

// Receive implements Driver.
func (d *UDPDriver) Receive(max int, out []*Buf) int {
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
func (d *UDPDriver) Release(bufs ...*Buf) { d.pool.Release(bufs...) }

// LocalAddress implements Driver.
func (d *UDPDriver) LocalAddress() Address { return d.local }

// ParseAddress implements Driver.
func (d *UDPDriver) ParseAddress(s string) (Address, error) {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return "", errors.Wrap(ErrInvalidAddress, err.Error())
	}
	return Address(addr.String()), nil
}

// FormatAddress implements Driver.
func (d *UDPDriver) FormatAddress(a Address) string { return string(a) }

// MaxPayload implements Driver.
func (d *UDPDriver) MaxPayload() int { return d.maxPayload }

// Bandwidth implements Driver.
func (d *UDPDriver) Bandwidth() uint64 { return d.bandwidth }

// Close implements Driver.
func (d *UDPDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	ingress := d.ingress
	d.ingress = nil
	d.mu.Unlock()

	err := d.conn.Close()
	d.wg.Wait()
	d.pool.Release(ingress...)
	return err
}
