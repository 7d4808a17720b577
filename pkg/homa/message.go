package homa

import (
	"errors"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

// SendFlag selects optional send behavior.
type SendFlag uint8

// Send flags.
const (
	// SendNoAck skips the transport-level acknowledgment; the message is
	// complete once its last byte is transmitted.
	SendNoAck = SendFlag(1 << 0)

	// SendDetached hands the message's lifetime to the transport; it
	// retries until terminal and then frees itself.
	SendDetached = SendFlag(1 << 1)

	// SendExpectResponse hints that the message will draw a response;
	// the receiver side reserves a grant slot for it.
	SendExpectResponse = SendFlag(1 << 2)
)

// Programmer-error sentinels. They report contract violations without
// touching other messages.
var (
	ErrAlreadySent  = errors.New("message already sent")
	ErrNotSent      = errors.New("message not sent yet")
	ErrEmptyMessage = errors.New("message has no content")
)

// OutMessage is the application's handle on an outbound message. It is
// not safe for concurrent use, except that Status may be called from any
// goroutine.
type OutMessage struct {
	t    *Transport
	m    *Outbound
	sent bool
}

// Append copies p after the message's current tail.
func (om *OutMessage) Append(p []byte) error {
	if om.sent {
		return ErrAlreadySent
	}
	om.m.buf.Append(p)
	return nil
}

// Prepend copies p in front of the message's current content.
func (om *OutMessage) Prepend(p []byte) error {
	if om.sent {
		return ErrAlreadySent
	}
	om.m.buf.Prepend(p)
	return nil
}

// Length returns the message's current length.
func (om *OutMessage) Length() uint32 {
	return uint32(om.m.buf.Len())
}

// Send queues the message for delivery to dest. The buffer must not be
// mutated afterwards.
func (om *OutMessage) Send(dest driver.Address, flags SendFlag) error {
	if om.sent {
		return ErrAlreadySent
	}
	if om.m.buf.Len() == 0 {
		return ErrEmptyMessage
	}
	om.sent = true

	om.m.dest = dest
	om.m.length = uint32(om.m.buf.Len())
	if flags&SendNoAck != 0 {
		om.m.flags |= wire.FlagNoAck
	}
	if flags&SendExpectResponse != 0 {
		om.m.flags |= wire.FlagExpectResponse
		om.t.rcv.ReserveResponseSlot(dest)
	}
	om.m.detached = flags&SendDetached != 0

	om.t.snd.Queue(om.m, om.t.now())
	return nil
}

// Status returns the message's delivery status. Safe from any goroutine.
func (om *OutMessage) Status() Status {
	return om.m.Status()
}

// Cancel stops delivery; best effort, packets already in flight may still
// arrive.
func (om *OutMessage) Cancel() error {
	if !om.sent {
		return ErrNotSent
	}
	om.t.snd.Cancel(om.m)
	return nil
}

// Release drops the handle. For a detached message this is a no-op: the
// transport owns it. For others the message is forgotten; callers should
// wait for a terminal Status first.
func (om *OutMessage) Release() {
	if !om.sent {
		return
	}
	om.t.snd.ReleaseApp(om.m)
}

// InMessage is the application's handle on a received message. It is not
// safe for concurrent use.
type InMessage struct {
	t *Transport
	m *Inbound
}

// Length returns the message's length in bytes.
func (im *InMessage) Length() uint32 { return im.m.length }

// Address returns the sender's address.
func (im *InMessage) Address() driver.Address { return im.m.src }

// Get copies bytes starting at offset into dst and returns how many were
// copied.
func (im *InMessage) Get(offset uint32, dst []byte) int {
	return im.m.buf.Get(int(offset), dst)
}

// Acknowledge commits the message: the sender observes DONE (unless the
// message carried NO_ACK) and may retire its state.
func (im *InMessage) Acknowledge() {
	im.t.rcv.Acknowledge(im.m)
}

// Drop releases the message without acknowledging it.
func (im *InMessage) Drop() {
	im.t.rcv.Drop(im.m)
}

// Release destroys the handle. If neither Acknowledge nor Drop was called,
// the release acknowledges implicitly.
func (im *InMessage) Release() {
	im.t.rcv.ReleaseApp(im.m)
}
