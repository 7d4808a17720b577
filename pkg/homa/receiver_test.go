package homa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

type receiverEnv struct {
	rcv  *Receiver
	drvA *driver.MockDriver // remote side, receives our control packets
	drvB *driver.MockDriver // local driver the receiver runs over
	rec  *countingRecorder
	now  time.Time
}

func newReceiverEnv(t *testing.T) *receiverEnv {
	t.Helper()
	a, b := testFabric()
	rec := newCountingRecorder()
	return &receiverEnv{
		rcv:  newReceiver(b, testPolicy(), testConfig(), rec, nil),
		drvA: a,
		drvB: b,
		rec:  rec,
		now:  time.Unix(0, 0),
	}
}

// inject delivers one DATA packet for message id carrying the chunk at
// offset out of a message of the given content.
func (e *receiverEnv) inject(id wire.MessageID, flags wire.Flags, content []byte, offset int) {
	end := offset + testChunk
	if end > len(content) {
		end = len(content)
	}
	if end == len(content) {
		flags |= wire.FlagLast
	}
	b := dataBuf(e.drvB, "a", flags, id, uint32(len(content)), uint32(offset), content[offset:end])
	e.rcv.OnData(b, wire.Packet(b.Bytes()), e.now)
}

func (e *receiverEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func TestReceiver_ShortMessageCompletes(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 1}
	content := pattern(80)

	e.inject(id, 0, content, 0)

	m := e.rcv.Receive()
	require.NotNil(t, m)
	assert.Equal(t, StatusCompleted, m.Status())
	assert.Equal(t, uint32(80), m.received)
	assert.Equal(t, content, m.buf.Bytes())

	// Fully unscheduled: no grant was ever needed.
	assert.Empty(t, drainPackets(e.drvA))
	assert.Nil(t, e.rcv.Receive())
}

func TestReceiver_ReorderedChunksReassemble(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 2}
	content := pattern(350)

	for _, offset := range []int{300, 0, 200, 100} {
		e.inject(id, 0, content, offset)
	}

	m := e.rcv.Receive()
	require.NotNil(t, m)
	assert.Equal(t, content, m.buf.Bytes())

	// Bitmap invariant: every set bit is backed by bytes.
	assert.Equal(t, 4, m.chunksReceived())
	assert.Equal(t, -1, m.lowestMissing())
}

func TestReceiver_DuplicateDataIgnored(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 3}
	content := pattern(600)

	e.inject(id, 0, content, 0)
	e.inject(id, 0, content, 0)

	m := e.rcv.msgs[inboundKey{src: "a", id: id}]
	require.NotNil(t, m)
	assert.Equal(t, uint32(100), m.received)
	assert.Equal(t, 1, e.rec.duplicates)

	// Exactly one grant step: duplicates never extend the window.
	e.rcv.PollGrants(e.now)
	grants := 0
	for _, p := range drainPackets(e.drvA) {
		if p.Opcode() == wire.OpGrant {
			grants++
		}
	}
	assert.Equal(t, 1, grants)
}

func TestReceiver_DuplicateReleasesPacketStorage(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 4}
	content := pattern(600)

	free := e.drvB.Pool().Free()
	e.inject(id, 0, content, 0) // adopted into the message buffer
	e.inject(id, 0, content, 0) // duplicate, released immediately

	assert.Equal(t, free-1, e.drvB.Pool().Free())
}

func TestReceiver_MalformedDataDropped(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 5}

	// Unaligned offset.
	b := dataBuf(e.drvB, "a", 0, id, 600, 50, pattern(100))
	e.rcv.OnData(b, wire.Packet(b.Bytes()), e.now)

	// Payload spilling past the declared total.
	b = dataBuf(e.drvB, "a", 0, id, 120, 100, pattern(100))
	e.rcv.OnData(b, wire.Packet(b.Bytes()), e.now)

	assert.Equal(t, 2, e.rec.malformed)
	assert.Equal(t, 0, e.rcv.pending())
}

func TestReceiver_GrantPacing(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 6}
	content := pattern(2000)

	e.inject(id, 0, content, 0)
	m := e.rcv.msgs[inboundKey{src: "a", id: id}]
	require.NotNil(t, m)
	require.Equal(t, uint32(testUnscheduled), m.grantOffset)

	// One chunk of data arrived; the outstanding window is 300 < 400, so
	// one grant of one chunk is due.
	issued := e.rcv.PollGrants(e.now)
	assert.Equal(t, 1, issued)
	assert.Equal(t, uint32(testUnscheduled+testChunk), m.grantOffset)

	pkts := drainPackets(e.drvA)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpGrant, pkts[0].Opcode())
	assert.Equal(t, uint32(testUnscheduled+testChunk), pkts[0].GrantOffset())

	// The window is back at one RTT; no further grant until data arrives.
	assert.Equal(t, 0, e.rcv.PollGrants(e.now))
}

func TestReceiver_GrantCappedAtLength(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 7}
	content := pattern(450)

	e.inject(id, 0, content, 0)
	m := e.rcv.msgs[inboundKey{src: "a", id: id}]
	require.NotNil(t, m)

	e.rcv.PollGrants(e.now)
	assert.Equal(t, uint32(450), m.grantOffset)

	assert.Equal(t, 0, e.rcv.PollGrants(e.now))
}

func TestReceiver_ActiveSlotInvariant(t *testing.T) {
	e := newReceiverEnv(t)
	cfg := testConfig()

	// Five senders, each with a long message's first chunk in.
	for i := 0; i < 5; i++ {
		id := wire.MessageID{TransportID: uint64(10 + i), Sequence: 1}
		src := driver.Address(string(rune('p' + i)))
		b := dataBuf(e.drvB, src, 0, id, 5000, 0, pattern(testChunk))
		e.rcv.OnData(b, wire.Packet(b.Bytes()), e.now)
	}

	for tick := 0; tick < 10; tick++ {
		e.rcv.PollGrants(e.now)
	}

	over := 0
	for _, m := range e.rcv.msgs {
		if m.grantOffset > uint32(testUnscheduled) {
			over++
		}
	}
	assert.True(t, over > 0, "no sender was granted at all")
	assert.True(t, over <= cfg.ActiveGrantSlots,
		"%d senders hold scheduled grants, slots=%d", over, cfg.ActiveGrantSlots)
}

func TestReceiver_GrantPriorityRanksBySRPT(t *testing.T) {
	e := newReceiverEnv(t)
	levels := testConfig().PriorityLevels

	small := wire.MessageID{TransportID: 11, Sequence: 1}
	big := wire.MessageID{TransportID: 12, Sequence: 1}
	bSmall := dataBuf(e.drvB, "s1", 0, small, 1000, 0, pattern(testChunk))
	e.rcv.OnData(bSmall, wire.Packet(bSmall.Bytes()), e.now)
	bBig := dataBuf(e.drvB, "s2", 0, big, 50000, 0, pattern(testChunk))
	e.rcv.OnData(bBig, wire.Packet(bBig.Bytes()), e.now)

	e.rcv.PollGrants(e.now)

	mSmall := e.rcv.msgs[inboundKey{src: "s1", id: small}]
	mBig := e.rcv.msgs[inboundKey{src: "s2", id: big}]
	assert.Equal(t, uint8(levels-1), mSmall.grantPrio)
	assert.Equal(t, uint8(levels-2), mBig.grantPrio)
}

func TestReceiver_ResendAfterSilence(t *testing.T) {
	e := newReceiverEnv(t)
	cfg := testConfig()
	id := wire.MessageID{TransportID: 7, Sequence: 8}
	content := pattern(300)

	// Middle chunk lost.
	e.inject(id, 0, content, 0)
	e.inject(id, 0, content, 200)

	e.advance(cfg.ResendTimeout + time.Millisecond)
	e.rcv.TimerTick(e.now)

	var resend wire.Packet
	for _, p := range drainPackets(e.drvA) {
		if p.Opcode() == wire.OpResend {
			resend = p
		}
	}
	require.NotNil(t, resend)
	assert.Equal(t, uint32(100), resend.ResendOffset())
	assert.Equal(t, uint32(100), resend.ResendLength())

	// The hole fills in; the message completes.
	e.inject(id, 0, content, 100)
	m := e.rcv.Receive()
	require.NotNil(t, m)
	assert.Equal(t, content, m.buf.Bytes())
}

func TestReceiver_FailsAfterResendLimit(t *testing.T) {
	e := newReceiverEnv(t)
	cfg := testConfig()
	id := wire.MessageID{TransportID: 7, Sequence: 9}
	content := pattern(300)

	e.inject(id, 0, content, 0)
	m := e.rcv.msgs[inboundKey{src: "a", id: id}]
	require.NotNil(t, m)

	for i := 0; i <= cfg.ResendLimit; i++ {
		e.advance(cfg.ResendTimeout + time.Millisecond)
		e.rcv.TimerTick(e.now)
	}

	assert.Equal(t, StatusFailed, m.Status())
	assert.Equal(t, 0, e.rcv.pending())
	assert.Nil(t, e.rcv.Receive())

	// The sender is told explicitly that the receiver gave up.
	errs := 0
	for _, p := range drainPackets(e.drvA) {
		if p.Opcode() == wire.OpError {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestReceiver_PingAnswers(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 10}
	content := pattern(600)

	// Unknown message: restart RESEND.
	e.rcv.OnPing("a", id, e.now)
	pkts := drainPackets(e.drvA)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpResend, pkts[0].Opcode())
	assert.Equal(t, uint32(0), pkts[0].ResendOffset())
	assert.Equal(t, uint32(0), pkts[0].ResendLength())

	// In progress: GRANT echoing the current offset.
	e.inject(id, 0, content, 0)
	e.rcv.OnPing("a", id, e.now)
	pkts = drainPackets(e.drvA)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpGrant, pkts[0].Opcode())
	assert.Equal(t, uint32(testUnscheduled), pkts[0].GrantOffset())

	// Completed but unacknowledged: BUSY.
	for _, off := range []int{100, 200, 300, 400, 500} {
		e.inject(id, 0, content, off)
	}
	require.NotNil(t, e.rcv.Receive())
	e.rcv.OnPing("a", id, e.now)
	pkts = drainPackets(e.drvA)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpBusy, pkts[0].Opcode())

	// Acknowledged: DONE.
	m := e.rcv.msgs[inboundKey{src: "a", id: id}]
	e.rcv.Acknowledge(m)
	drainPackets(e.drvA)
	e.rcv.OnPing("a", id, e.now)
	pkts = drainPackets(e.drvA)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire.OpDone, pkts[0].Opcode())
}

func TestReceiver_AcknowledgeEmitsDoneOnce(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 11}

	e.inject(id, 0, pattern(80), 0)
	m := e.rcv.Receive()
	require.NotNil(t, m)

	e.rcv.Acknowledge(m)
	e.rcv.Acknowledge(m)

	dones := 0
	for _, p := range drainPackets(e.drvA) {
		if p.Opcode() == wire.OpDone {
			dones++
		}
	}
	assert.Equal(t, 1, dones)
}

func TestReceiver_NoAckSuppressesDone(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 12}

	e.inject(id, wire.FlagNoAck, pattern(80), 0)
	m := e.rcv.Receive()
	require.NotNil(t, m)

	e.rcv.Acknowledge(m)
	assert.Empty(t, drainPackets(e.drvA))
}

func TestReceiver_ReleaseAcknowledgesImplicitly(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 13}

	e.inject(id, 0, pattern(80), 0)
	m := e.rcv.Receive()
	require.NotNil(t, m)

	e.rcv.ReleaseApp(m)

	dones := 0
	for _, p := range drainPackets(e.drvA) {
		if p.Opcode() == wire.OpDone {
			dones++
		}
	}
	assert.Equal(t, 1, dones)
	assert.Equal(t, 0, e.rcv.pending())
}

func TestReceiver_DropSuppressesImplicitDone(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 14}

	e.inject(id, 0, pattern(80), 0)
	m := e.rcv.Receive()
	require.NotNil(t, m)

	e.rcv.Drop(m)
	e.rcv.ReleaseApp(m)

	assert.Empty(t, drainPackets(e.drvA))
	assert.Equal(t, 0, e.rcv.pending())
}

func TestReceiver_ReleaseReturnsAdoptedStorage(t *testing.T) {
	e := newReceiverEnv(t)
	id := wire.MessageID{TransportID: 7, Sequence: 15}
	content := pattern(300)

	free := e.drvB.Pool().Free()
	for _, off := range []int{0, 100, 200} {
		e.inject(id, 0, content, off)
	}
	require.Equal(t, free-3, e.drvB.Pool().Free())

	m := e.rcv.Receive()
	require.NotNil(t, m)
	e.rcv.ReleaseApp(m)

	assert.Equal(t, free, e.drvB.Pool().Free())
}
