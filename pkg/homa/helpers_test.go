package homa

import (
	"sync"
	"time"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// testChunk is the mock fabric's payload capacity in these tests; small so
// multi-chunk messages stay cheap to build.
const (
	testChunk       = 100
	testUnscheduled = 400
	testPoolSize    = 256
	testBandwidth   = uint64(10e9)
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UnscheduledBytes = testUnscheduled
	cfg.ActiveGrantSlots = 2
	cfg.ResendTimeout = 50 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	cfg.PingBackoffMax = 400 * time.Millisecond
	return cfg
}

func testPolicy() Policy {
	cfg := testConfig()
	return NewPolicy(testChunk, cfg.PriorityLevels, testBandwidth, cfg.RTT, cfg.UnscheduledBytes)
}

func testFabric() (*driver.MockDriver, *driver.MockDriver) {
	return driver.NewMockDriverPair("a", "b", testPoolSize, testChunk, testBandwidth)
}

// countingRecorder tallies recorder events for assertions.
type countingRecorder struct {
	mu         sync.Mutex
	in, out    map[string]int
	malformed  int
	duplicates int
	retransmit int
	grants     int
	exhausted  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{in: make(map[string]int), out: make(map[string]int)}
}

func (r *countingRecorder) PacketIn(op string) {
	r.mu.Lock()
	r.in[op]++
	r.mu.Unlock()
}

func (r *countingRecorder) PacketOut(op string) {
	r.mu.Lock()
	r.out[op]++
	r.mu.Unlock()
}

func (r *countingRecorder) MalformedPacket() {
	r.mu.Lock()
	r.malformed++
	r.mu.Unlock()
}

func (r *countingRecorder) DuplicateData() {
	r.mu.Lock()
	r.duplicates++
	r.mu.Unlock()
}

func (r *countingRecorder) Retransmit() {
	r.mu.Lock()
	r.retransmit++
	r.mu.Unlock()
}

func (r *countingRecorder) GrantIssued() {
	r.mu.Lock()
	r.grants++
	r.mu.Unlock()
}

func (r *countingRecorder) PoolExhausted() {
	r.mu.Lock()
	r.exhausted++
	r.mu.Unlock()
}

// drainPackets empties the driver's ingress queue and returns the packets
// as parsed copies, releasing the underlying buffers.
func drainPackets(d *driver.MockDriver) []wire.Packet {
	var out []wire.Packet
	bufs := make([]*driver.Buf, 64)
	for {
		n := d.Receive(len(bufs), bufs)
		if n == 0 {
			return out
		}
		for _, b := range bufs[:n] {
			pkt := make(wire.Packet, b.Len())
			copy(pkt, b.Bytes())
			out = append(out, pkt)
			d.Release(b)
		}
	}
}

// dataBuf builds a DATA packet inside d's pool, as though it had arrived
// from src.
func dataBuf(d *driver.MockDriver, src driver.Address, flags wire.Flags, id wire.MessageID, total, offset uint32, payload []byte) *driver.Buf {
	b := d.AllocPacket()
	n := wire.PutData(b.Raw(), flags, id, total, offset, 0, payload)
	b.SetLen(n)
	b.Addr = src
	return b
}

// pattern fills n bytes with a deterministic sequence.
func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}
