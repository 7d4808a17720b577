package homa

import (
	"sync/atomic"
	"time"

	"github.com/homanet/homa/internal/netutil"
	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// Outbound is the sender-side state of one message. All fields except
// status are guarded by the owning Sender's mutex; status is read with
// atomic loads so applications can observe it from any thread.
//
// Offsets obey acked <= sent <= granted <= length at all times.
type Outbound struct {
	id     wire.MessageID
	dest   driver.Address
	flags  wire.Flags
	buf    *Buffer
	length uint32

	granted uint32
	sent    uint32
	acked   uint32

	grantPrio    uint8
	hasGrantPrio bool

	status   int32
	detached bool
	inReady  bool

	lastActivity time.Time
	retxDeadline time.Time
	pings        int
	backoff      *netutil.Backoff
}

// ID returns the message id.
func (m *Outbound) ID() wire.MessageID { return m.id }

// Destination returns the message's destination address.
func (m *Outbound) Destination() driver.Address { return m.dest }

// Length returns the message length in bytes.
func (m *Outbound) Length() uint32 { return m.length }

// Status returns the message's current status. Safe from any goroutine.
func (m *Outbound) Status() Status {
	return Status(atomic.LoadInt32(&m.status))
}

func (m *Outbound) setStatus(s Status) {
	atomic.StoreInt32(&m.status, int32(s))
}

// remaining returns the bytes not yet transmitted.
func (m *Outbound) remaining() uint32 { return m.length - m.sent }

// eligible reports whether the message has granted bytes left to send.
func (m *Outbound) eligible() bool {
	s := m.Status()
	return s == StatusInProgress && m.sent < m.granted
}

// touch records peer activity: liveness counters rewind and the
// retransmit deadline moves out.
func (m *Outbound) touch(now time.Time, pingTimeout time.Duration) {
	m.lastActivity = now
	m.retxDeadline = now.Add(pingTimeout)
	m.pings = 0
	m.backoff.Reset()
}
