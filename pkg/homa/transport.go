// Package homa implements the Homa message transport: receiver-driven
// grants, SRPT priority scheduling, and per-message reliability over an
// unreliable packet fabric.
package homa

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/homanet/homa/internal/metrics"
	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// Transport errors.
var (
	ErrTransportIDInUse = errors.New("transport id already in use")
	ErrClosed           = errors.New("transport closed")
)

// Transport ids are process-wide; two live instances must never share one
// or their message ids would collide at a common peer.
var (
	idRegistryMu sync.Mutex
	idRegistry   = make(map[uint64]struct{})
	nextID       uint64
)

func claimTransportID(want uint64) (uint64, error) {
	idRegistryMu.Lock()
	defer idRegistryMu.Unlock()

	if want == 0 {
		for {
			nextID++
			if _, taken := idRegistry[nextID]; !taken {
				want = nextID
				break
			}
		}
	} else if _, taken := idRegistry[want]; taken {
		return 0, ErrTransportIDInUse
	}
	idRegistry[want] = struct{}{}
	return want, nil
}

func releaseTransportID(id uint64) {
	idRegistryMu.Lock()
	delete(idRegistry, id)
	idRegistryMu.Unlock()
}

// Transport owns a Sender and a Receiver over one driver instance. All
// protocol progress happens inside Poll; Alloc, OutMessage.Send, Receive,
// and status observation are safe from any goroutine.
type Transport struct {
	log *logging.Logger
	drv driver.Driver
	cfg Config
	pol Policy
	rec metrics.Recorder

	id  uint64
	seq uint64

	snd     *Sender
	rcv     *Receiver
	traffic *TrafficLog

	now func() time.Time

	polls  uint64
	closed int32
}

// trafficFlushInterval is measured in poll ticks.
const trafficFlushInterval = 1024

// New constructs a Transport over the driver. The driver is the sole NIC
// queue for this instance; the caller drives progress via Poll.
func New(drv driver.Driver, cfg Config, rec metrics.Recorder) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = metrics.NewDummy()
	}

	id, err := claimTransportID(cfg.TransportID)
	if err != nil {
		return nil, err
	}

	pol := NewPolicy(drv.MaxPayload(), cfg.PriorityLevels, drv.Bandwidth(), cfg.RTT, cfg.UnscheduledBytes)
	traffic := NewTrafficLog(cfg.LogStore)

	t := &Transport{
		log:     logging.MustGetLogger("homa"),
		drv:     drv,
		cfg:     cfg,
		pol:     pol,
		rec:     rec,
		id:      id,
		snd:     newSender(drv, pol, cfg, rec, traffic),
		rcv:     newReceiver(drv, pol, cfg, rec, traffic),
		traffic: traffic,
		now:     time.Now,
	}
	t.log.Infof("transport %d up on %s", id, drv.FormatAddress(drv.LocalAddress()))
	return t, nil
}

// ID returns the transport's process-unique id.
func (t *Transport) ID() uint64 { return t.id }

// LocalAddress returns the driver's local address.
func (t *Transport) LocalAddress() driver.Address { return t.drv.LocalAddress() }

// Alloc creates a new outbound message.
func (t *Transport) Alloc() *OutMessage {
	m := &Outbound{
		id: wire.MessageID{
			TransportID: t.id,
			Sequence:    atomic.AddUint64(&t.seq, 1),
		},
		buf: NewBuffer(t.pol.ChunkSize()),
	}
	return &OutMessage{t: t, m: m}
}

// Receive pops the next completed inbound message, or nil.
func (t *Transport) Receive() *InMessage {
	m := t.rcv.Receive()
	if m == nil {
		return nil
	}
	return &InMessage{t: t, m: m}
}

// Poll makes incremental progress on every transport function. It never
// blocks; it returns when its per-tick budgets are exhausted or no work is
// pending.
func (t *Transport) Poll() {
	if atomic.LoadInt32(&t.closed) != 0 {
		return
	}
	now := t.now()

	t.drainIngress(now)
	t.rcv.PollGrants(now)
	t.snd.Poll(now, t.cfg.SendBudget)
	t.snd.TimerTick(now)
	t.rcv.TimerTick(now)

	if atomic.AddUint64(&t.polls, 1)%trafficFlushInterval == 0 {
		if err := t.traffic.Flush(); err != nil {
			t.log.WithError(err).Warn("traffic log flush failed")
		}
	}
}

// drainIngress pulls up to IngressBudget packets from the driver and
// dispatches them by opcode. Every buffer is either absorbed into an
// inbound message or released before returning.
func (t *Transport) drainIngress(now time.Time) {
	bufs := make([]*driver.Buf, t.cfg.IngressBudget)
	n := t.drv.Receive(t.cfg.IngressBudget, bufs)

	for _, b := range bufs[:n] {
		p := wire.Packet(b.Bytes())
		if err := p.Validate(); err != nil {
			t.rec.MalformedPacket()
			t.drv.Release(b)
			continue
		}
		t.rec.PacketIn(p.Opcode().String())
		t.dispatch(b, p, now)
	}
}

// dispatch routes one validated packet. Packets about locally-originated
// messages carry this transport's id and go to the Sender; everything else
// concerns an inbound message and goes to the Receiver.
func (t *Transport) dispatch(b *driver.Buf, p wire.Packet, now time.Time) {
	id := p.MsgID()

	if p.Opcode() == wire.OpData {
		// OnData takes ownership of b.
		t.rcv.OnData(b, p, now)
		return
	}

	defer t.drv.Release(b)

	if id.TransportID == t.id {
		switch p.Opcode() {
		case wire.OpGrant:
			t.snd.OnGrant(id, p.GrantOffset(), p.GrantPriority(), now)
		case wire.OpResend:
			t.snd.OnResend(id, p.ResendOffset(), p.ResendOffset()+p.ResendLength(), now)
		case wire.OpBusy:
			t.snd.OnBusy(id, now)
		case wire.OpDone:
			t.snd.OnDone(id)
		case wire.OpError:
			t.snd.OnError(id, p.ErrorReason())
		case wire.OpPing:
			// A ping about a message we originated makes no sense;
			// the peer is confused. Drop it.
			t.rec.MalformedPacket()
		}
		return
	}

	switch p.Opcode() {
	case wire.OpPing:
		t.rcv.OnPing(b.Addr, id, now)
	case wire.OpBusy:
		t.rcv.OnBusy(b.Addr, id, now)
	default:
		// Control for a message we never sent; nothing to update.
		t.rec.MalformedPacket()
	}
}

// Close flushes the traffic log and releases the transport id. The driver
// stays open; the caller owns it.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return ErrClosed
	}
	if err := t.traffic.Flush(); err != nil {
		t.log.WithError(err).Warn("traffic log flush failed")
	}
	releaseTransportID(t.id)
	t.log.Infof("transport %d down", t.id)
	return nil
}
