package homa

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/homanet/homa/internal/metrics"
	"github.com/homanet/homa/internal/netutil"
	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// Sender owns all outbound messages and paces DATA emission subject to
// grants and priority. The ready set is one FIFO deque per priority tier;
// tiers are drained highest first, which realizes bucketed SRPT.
//
// The index, ready queues, and message fields form a single critical
// section guarded by mu; Queue, the On* callbacks, Poll, and TimerTick all
// take it. Packet emission inside the section never blocks.
type Sender struct {
	log     *logging.Logger
	drv     driver.Driver
	pol     Policy
	cfg     Config
	rec     metrics.Recorder
	traffic *TrafficLog

	mu     sync.Mutex
	msgs   map[wire.MessageID]*Outbound
	byDest map[driver.Address]map[wire.MessageID]*Outbound
	ready  []*deque.Deque[*Outbound]
}

func newSender(drv driver.Driver, pol Policy, cfg Config, rec metrics.Recorder, traffic *TrafficLog) *Sender {
	ready := make([]*deque.Deque[*Outbound], pol.Levels())
	for i := range ready {
		ready[i] = deque.New[*Outbound]()
	}
	return &Sender{
		log:     logging.MustGetLogger("homa-sender"),
		drv:     drv,
		pol:     pol,
		cfg:     cfg,
		rec:     rec,
		traffic: traffic,
		msgs:    make(map[wire.MessageID]*Outbound),
		byDest:  make(map[driver.Address]map[wire.MessageID]*Outbound),
		ready:   ready,
	}
}

// Queue takes ownership of the message and inserts it into the ready set.
// The unscheduled prefix is granted immediately.
func (s *Sender) Queue(m *Outbound, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.granted = s.pol.UnscheduledLimit(m.length)
	m.backoff = netutil.NewBackoff(s.cfg.PingTimeout, s.cfg.PingBackoffMax, 2)
	m.touch(now, s.cfg.PingTimeout)

	s.msgs[m.id] = m
	dests, ok := s.byDest[m.dest]
	if !ok {
		dests = make(map[wire.MessageID]*Outbound)
		s.byDest[m.dest] = dests
	}
	dests[m.id] = m

	s.pushReady(m)
}

// pushReady inserts the message into its current SRPT tier. Caller holds mu.
func (s *Sender) pushReady(m *Outbound) {
	if m.inReady || !m.eligible() {
		return
	}
	m.inReady = true
	s.ready[s.pol.Priority(m.remaining())].PushBack(m)
}

// popReady removes and returns the highest-priority ready message, or nil.
// Caller holds mu.
func (s *Sender) popReady() *Outbound {
	for tier := len(s.ready) - 1; tier >= 0; tier-- {
		q := s.ready[tier]
		for q.Len() > 0 {
			m := q.PopFront()
			if !m.inReady {
				continue
			}
			m.inReady = false
			return m
		}
	}
	return nil
}

// Poll emits up to budget DATA packets, highest priority first. It returns
// the number of packets emitted.
func (s *Sender) Poll(now time.Time, budget int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	emitted := 0
	for emitted < budget {
		m := s.popReady()
		if m == nil {
			break
		}
		if !m.eligible() {
			continue
		}
		if !s.emitChunk(m, now) {
			// Pool dry; try again next tick.
			s.pushReady(m)
			break
		}
		emitted++
		s.pushReady(m)
	}
	return emitted
}

// emitChunk transmits the next granted chunk of m. Caller holds mu.
// Returns false when no packet buffer is available.
func (s *Sender) emitChunk(m *Outbound, now time.Time) bool {
	chunkSize := uint32(s.pol.ChunkSize())
	ci := int(m.sent / chunkSize)
	chunkEnd := (uint32(ci) + 1) * chunkSize
	if chunkEnd > m.length {
		chunkEnd = m.length
	}

	b := s.drv.AllocPacket()
	if b == nil {
		s.rec.PoolExhausted()
		return false
	}

	flags := m.flags
	if chunkEnd == m.length {
		flags |= wire.FlagLast
	}
	n := wire.PutData(b.Raw(), flags, m.id, m.length, m.sent, s.dataPriority(m), m.buf.Chunk(ci))
	b.SetLen(n)
	b.Addr = m.dest

	if err := s.drv.Send(b); err != nil {
		s.log.WithError(err).Warnf("failed to send DATA %s", m.id)
	}
	s.rec.PacketOut(wire.OpData.String())
	s.traffic.AddSent(m.dest, uint64(chunkEnd-m.sent))

	m.sent = chunkEnd
	m.touch(now, s.cfg.PingTimeout)

	if m.sent == m.length {
		if m.flags&wire.FlagNoAck != 0 {
			// Nothing further is owed to the peer; the message is done
			// the moment its last byte leaves.
			s.complete(m)
		} else {
			m.setStatus(StatusSent)
		}
	}
	return true
}

// dataPriority picks the priority tier stamped on the next DATA packet:
// the receiver-advertised tier for scheduled bytes, the policy tier for
// unscheduled ones.
func (s *Sender) dataPriority(m *Outbound) uint8 {
	if m.hasGrantPrio && m.sent >= s.pol.UnscheduledLimit(m.length) {
		return m.grantPrio
	}
	return s.pol.Priority(m.remaining())
}

// OnGrant raises the message's granted offset and advertised priority.
func (s *Sender) OnGrant(id wire.MessageID, offset uint32, prio uint8, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok || m.Status().Terminal() {
		return
	}

	if offset > m.length {
		offset = m.length
	}
	// Keep grants chunk-aligned so every emitted DATA packet carries a
	// whole chunk.
	chunkSize := uint32(s.pol.ChunkSize())
	if offset < m.length {
		offset -= offset % chunkSize
	}
	if offset > m.granted {
		m.granted = offset
	}
	m.grantPrio = prio
	m.hasGrantPrio = true

	// A grant implies the receiver has everything more than one RTT
	// window behind the granted offset.
	if inferred := satSub(offset, s.pol.RTTBytes()); inferred > m.acked {
		m.acked = minU32(inferred, m.sent)
	}

	m.touch(now, s.cfg.PingTimeout)
	s.pushReady(m)
}

// OnResend rewinds the send cursor. Ranges below the acked offset are
// never retransmitted. A RESEND implicitly re-issues any grant lost in
// transit: the requested range is authorised even if no GRANT for it ever
// arrived. A range strictly past the send cursor means the peer wants
// bytes we have not produced yet; it is answered with BUSY so the peer
// knows we are alive.
func (s *Sender) OnResend(id wire.MessageID, from, to uint32, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok || m.Status().Terminal() {
		return
	}
	m.touch(now, s.cfg.PingTimeout)

	if to > m.granted {
		m.granted = minU32(to, m.length)
	}

	if from > m.sent {
		s.emitControl(m.dest, wire.MakeBusy(m.id), wire.OpBusy)
		s.pushReady(m)
		return
	}

	rewind := maxU32(m.acked, from)
	chunkSize := uint32(s.pol.ChunkSize())
	rewind -= rewind % chunkSize
	rewind = maxU32(rewind, m.acked)
	if rewind < m.sent {
		m.sent = rewind
		if m.Status() == StatusSent {
			m.setStatus(StatusInProgress)
		}
		s.rec.Retransmit()
	}
	s.pushReady(m)
}

// OnDone completes the message: the receiver's application has
// acknowledged every byte.
func (s *Sender) OnDone(id wire.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok || m.Status().Terminal() {
		return
	}
	m.acked = m.length
	s.complete(m)
}

// OnBusy records peer liveness without advancing any offset.
func (s *Sender) OnBusy(id wire.MessageID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok || m.Status().Terminal() {
		return
	}
	m.touch(now, s.cfg.PingTimeout)
}

// OnError fails the message on an explicit peer report.
func (s *Sender) OnError(id wire.MessageID, reason wire.ErrorReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok || m.Status().Terminal() {
		return
	}
	s.log.Warnf("peer reported error %d for %s", reason, m.id)
	s.fail(m)
}

// TimerTick drives liveness: silent in-flight messages are pinged with
// exponential backoff and failed after PingLimit unanswered probes.
func (s *Sender) TimerTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.msgs {
		st := m.Status()
		if st != StatusInProgress && st != StatusSent {
			continue
		}
		if !now.After(m.retxDeadline) {
			continue
		}
		if m.flags&wire.FlagNoAck != 0 && m.sent == m.length {
			s.complete(m)
			continue
		}
		if m.pings >= s.cfg.PingLimit {
			s.log.Warnf("message %s failed after %d unanswered pings", m.id, m.pings)
			s.fail(m)
			continue
		}
		s.emitControl(m.dest, wire.MakePing(m.id), wire.OpPing)
		m.pings++
		m.retxDeadline = now.Add(m.backoff.Next())
	}
}

// Cancel stops the message; packets already in flight may still arrive at
// the peer.
func (s *Sender) Cancel(m *Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Status().Terminal() {
		return
	}
	m.setStatus(StatusCanceled)
	m.inReady = false
	if m.detached {
		s.unlink(m)
	}
}

// ReleaseApp drops the application's handle. Non-detached messages live
// until this call; terminal detached ones are already gone.
func (s *Sender) ReleaseApp(m *Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.detached {
		return
	}
	if !m.Status().Terminal() {
		m.setStatus(StatusCanceled)
		m.inReady = false
	}
	s.unlink(m)
}

// complete marks the message delivered. Caller holds mu.
func (s *Sender) complete(m *Outbound) {
	m.setStatus(StatusCompleted)
	m.inReady = false
	if m.detached {
		s.unlink(m)
	}
}

// fail marks the message failed. Caller holds mu.
func (s *Sender) fail(m *Outbound) {
	m.setStatus(StatusFailed)
	m.inReady = false
	if m.detached {
		s.unlink(m)
	}
}

// unlink removes the message from the indexes. Caller holds mu.
func (s *Sender) unlink(m *Outbound) {
	delete(s.msgs, m.id)
	if dests, ok := s.byDest[m.dest]; ok {
		delete(dests, m.id)
		if len(dests) == 0 {
			delete(s.byDest, m.dest)
		}
	}
	m.buf.Release(s.drv)
}

// emitControl sends a header-only packet built by the wire package.
// Caller holds mu. Pool exhaustion drops the packet; timers re-emit.
func (s *Sender) emitControl(dst driver.Address, pkt wire.Packet, op wire.Opcode) {
	b := s.drv.AllocPacket()
	if b == nil {
		s.rec.PoolExhausted()
		return
	}
	n := copy(b.Raw(), pkt)
	b.SetLen(n)
	b.Addr = dst
	if err := s.drv.Send(b); err != nil {
		s.log.WithError(err).Warnf("failed to send %s", op)
		return
	}
	s.rec.PacketOut(op.String())
}

// pending returns how many messages the sender still tracks.
func (s *Sender) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func satSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
