package homa

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/homanet/homa/internal/metrics"
	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// inboundKey identifies an inbound message. Message ids are only unique
// per sender, so the source address is part of the key.
type inboundKey struct {
	src driver.Address
	id  wire.MessageID
}

// Receiver owns all inbound messages, issues grants, and surfaces
// completed messages to the application. Its index, scheduler, and
// completion queue form one critical section guarded by mu, independent of
// the Sender's.
type Receiver struct {
	log     *logging.Logger
	drv     driver.Driver
	pol     Policy
	cfg     Config
	rec     metrics.Recorder
	traffic *TrafficLog

	mu        sync.Mutex
	msgs      map[inboundKey]*Inbound
	sched     *scheduler
	completed *deque.Deque[*Inbound]
}

func newReceiver(drv driver.Driver, pol Policy, cfg Config, rec metrics.Recorder, traffic *TrafficLog) *Receiver {
	return &Receiver{
		log:       logging.MustGetLogger("homa-receiver"),
		drv:       drv,
		pol:       pol,
		cfg:       cfg,
		rec:       rec,
		traffic:   traffic,
		msgs:      make(map[inboundKey]*Inbound),
		sched:     newScheduler(cfg.ActiveGrantSlots),
		completed: deque.New[*Inbound](),
	}
}

// OnData ingests a DATA packet. The receiver takes ownership of b: its
// storage is either adopted into the message buffer or released here.
func (r *Receiver) OnData(b *driver.Buf, p wire.Packet, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunkSize := uint32(r.pol.ChunkSize())
	offset := p.DataOffset()
	total := p.DataTotalLength()
	payload := p.DataPayload()

	// Chunk-grained reassembly: every DATA packet must carry one whole
	// chunk (the last one may be short).
	if offset%chunkSize != 0 || uint64(offset)+uint64(len(payload)) > uint64(total) {
		r.rec.MalformedPacket()
		r.drv.Release(b)
		return
	}
	chunkEnd := offset + chunkSize
	if chunkEnd > total {
		chunkEnd = total
	}
	if uint32(len(payload)) != chunkEnd-offset {
		r.rec.MalformedPacket()
		r.drv.Release(b)
		return
	}

	key := inboundKey{src: b.Addr, id: p.MsgID()}
	m, ok := r.msgs[key]
	if !ok {
		m = r.admit(key, p, now)
	}
	if m.Status() != StatusInProgress || m.length != total {
		r.drv.Release(b)
		return
	}

	ci := int(offset / chunkSize)
	if !m.markChunk(ci) {
		r.rec.DuplicateData()
		r.drv.Release(b)
		return
	}

	if err := m.buf.Absorb(b, payload, int(offset)); err != nil {
		// Cannot happen past the framing checks above; count it anyway.
		r.rec.MalformedPacket()
		r.drv.Release(b)
		return
	}
	m.received += uint32(len(payload))
	m.lastActivity = now
	m.resendDeadline = now.Add(r.cfg.ResendTimeout)
	m.resends = 0
	r.sched.update(m)
	r.traffic.AddRecv(m.src, uint64(len(payload)))

	if m.received == m.length {
		r.finish(m)
	}
}

// admit materializes a new inbound message from its first DATA packet.
// Caller holds mu.
func (r *Receiver) admit(key inboundKey, p wire.Packet, now time.Time) *Inbound {
	total := p.DataTotalLength()
	numChunks := int((uint64(total) + uint64(r.pol.ChunkSize()) - 1) / uint64(r.pol.ChunkSize()))

	m := &Inbound{
		id:             key.id,
		src:            key.src,
		flags:          p.Flags() &^ wire.FlagLast,
		length:         total,
		buf:            NewBuffer(r.pol.ChunkSize()),
		bitmap:         make([]uint64, (numChunks+63)/64),
		numChunks:      numChunks,
		grantOffset:    r.pol.UnscheduledLimit(total),
		grantPrio:      r.pol.Priority(total),
		lastActivity:   now,
		resendDeadline: now.Add(r.cfg.ResendTimeout),
	}
	m.buf.SetLength(int(total))
	r.msgs[key] = m
	if m.grantOffset < m.length {
		r.sched.add(m)
	}
	return m
}

// finish moves a fully received message to the completion queue. Caller
// holds mu. The message is handed to the application exactly once.
func (r *Receiver) finish(m *Inbound) {
	m.setStatus(StatusCompleted)
	r.sched.remove(m)
	r.sched.consumeReservation(m.src)
	r.completed.PushBack(m)
}

// OnBusy records that the sender is alive but backlogged.
func (r *Receiver) OnBusy(src driver.Address, id wire.MessageID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[inboundKey{src: src, id: id}]
	if !ok || m.Status() != StatusInProgress {
		return
	}
	m.lastActivity = now
	m.resendDeadline = now.Add(r.cfg.ResendTimeout)
	m.resends = 0
}

// OnPing answers a sender liveness probe with the message's standing:
// a GRANT while in progress, DONE once completed and acknowledged, or a
// restart RESEND when no state survives for the message.
func (r *Receiver) OnPing(src driver.Address, id wire.MessageID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.msgs[inboundKey{src: src, id: id}]
	if !ok {
		// No state: every packet of the message was lost (or it is long
		// gone). A zero-range RESEND tells the sender to start over.
		r.emitControl(src, wire.MakeResend(id, 0, 0, uint8(r.pol.Levels()-1)), wire.OpResend)
		return
	}

	switch {
	case m.Status() == StatusInProgress:
		m.lastActivity = now
		r.emitControl(src, wire.MakeGrant(id, m.grantOffset, m.grantPrio), wire.OpGrant)
	case m.Status() == StatusCompleted && m.acked:
		r.emitControl(src, wire.MakeDone(id), wire.OpDone)
	default:
		// Completed but the application has not acknowledged yet.
		r.emitControl(src, wire.MakeBusy(id), wire.OpBusy)
	}
}

// PollGrants runs one grant pass: the scheduler's active set is ranked by
// remaining bytes and every active message whose outstanding grant window
// fell below one RTT window is extended by a chunk.
func (r *Receiver) PollGrants(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	issued := 0
	active := r.sched.selectActive()
	for rank, m := range active {
		// Smallest remaining advertises the highest tier; ordering is
		// stable because selectActive is SRPT-sorted.
		prio := r.pol.Levels() - 1 - rank
		if prio < 0 {
			prio = 0
		}
		m.grantPrio = uint8(prio)

		if issued >= r.cfg.GrantBudget {
			continue
		}
		if m.grantOffset-m.received >= r.pol.RTTBytes() {
			continue
		}
		next := m.grantOffset + uint32(r.pol.ChunkSize())
		if next > m.length {
			next = m.length
		}
		if next == m.grantOffset {
			continue
		}
		m.grantOffset = next
		r.emitControl(m.src, wire.MakeGrant(m.id, m.grantOffset, m.grantPrio), wire.OpGrant)
		r.rec.GrantIssued()
		issued++
	}
	return issued
}

// TimerTick drives inbound liveness: silent in-progress messages get a
// RESEND for their lowest missing chunk and are failed after ResendLimit
// unanswered probes.
func (r *Receiver) TimerTick(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, m := range r.msgs {
		if m.Status() != StatusInProgress {
			continue
		}
		if !now.After(m.resendDeadline) {
			continue
		}
		if m.resends >= r.cfg.ResendLimit {
			r.log.Warnf("message %s from %s failed after %d unanswered resends", m.id, m.src, m.resends)
			m.setStatus(StatusFailed)
			r.emitControl(m.src, wire.MakeError(m.id, wire.ErrReasonAborted), wire.OpError)
			r.sched.remove(m)
			r.sched.consumeReservation(m.src)
			if !m.appHeld {
				m.buf.Release(r.drv)
				delete(r.msgs, key)
			}
			continue
		}

		ci := m.lowestMissing()
		if ci >= 0 {
			offset := uint32(ci) * uint32(r.pol.ChunkSize())
			end := offset + uint32(r.pol.ChunkSize())
			if end > m.length {
				end = m.length
			}
			r.emitControl(m.src, wire.MakeResend(m.id, offset, end-offset, m.grantPrio), wire.OpResend)
		}
		m.resends++
		m.resendDeadline = now.Add(r.cfg.ResendTimeout)
	}
}

// Receive pops the next completed message, transferring ownership to the
// caller. Returns nil when none is pending.
func (r *Receiver) Receive() *Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed.Len() == 0 {
		return nil
	}
	m := r.completed.PopFront()
	m.appHeld = true
	return m
}

// Acknowledge commits the message: DONE is emitted to the sender unless
// the originating DATA headers carried NO_ACK.
func (r *Receiver) Acknowledge(m *Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acknowledge(m)
}

func (r *Receiver) acknowledge(m *Inbound) {
	if m.acked || m.dropped {
		return
	}
	m.acked = true
	if m.flags&wire.FlagNoAck == 0 {
		r.emitControl(m.src, wire.MakeDone(m.id), wire.OpDone)
	}
}

// Drop releases the message without DONE; the sender will observe the
// silence and decide.
func (r *Receiver) Drop(m *Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m.dropped = true
	if m.Status() == StatusCompleted {
		m.setStatus(StatusDropped)
	}
}

// ReleaseApp destroys the application's handle. Releasing without a prior
// Acknowledge or Drop acknowledges implicitly.
func (r *Receiver) ReleaseApp(m *Inbound) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !m.appHeld {
		return
	}
	r.acknowledge(m)
	m.appHeld = false
	m.buf.Release(r.drv)
	delete(r.msgs, inboundKey{src: m.src, id: m.id})
}

// ReserveResponseSlot puts a grant slot aside for a response expected from
// addr; the local sender calls this when it transmits an EXPECT_RESPONSE
// message.
func (r *Receiver) ReserveResponseSlot(addr driver.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sched.reserve(addr)
}

// emitControl sends a pre-built control packet. Caller holds mu. Pool
// exhaustion drops the packet; timers re-emit.
func (r *Receiver) emitControl(dst driver.Address, pkt wire.Packet, op wire.Opcode) {
	b := r.drv.AllocPacket()
	if b == nil {
		r.rec.PoolExhausted()
		return
	}
	n := copy(b.Raw(), pkt)
	b.SetLen(n)
	b.Addr = dst
	if err := r.drv.Send(b); err != nil {
		r.log.WithError(err).Warnf("failed to send %s", op)
		return
	}
	r.rec.PacketOut(op.String())
}

// pending returns how many inbound messages the receiver tracks.
func (r *Receiver) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
