package homa

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/homanet/homa/pkg/driver"
	"github.com/homanet/homa/pkg/wire"
)

func schedMsg(src driver.Address, seq uint64, length, received uint32) *Inbound {
	return &Inbound{
		id:       wire.MessageID{TransportID: 9, Sequence: seq},
		src:      src,
		length:   length,
		received: received,
	}
}

func TestScheduler_SRPTOrder(t *testing.T) {
	s := newScheduler(4)

	big := schedMsg("a", 1, 10000, 0)
	mid := schedMsg("b", 2, 5000, 0)
	small := schedMsg("c", 3, 1000, 0)
	s.add(big)
	s.add(mid)
	s.add(small)

	active := s.selectActive()
	assert.Equal(t, []*Inbound{small, mid, big}, active)
}

func TestScheduler_SlotCap(t *testing.T) {
	s := newScheduler(2)

	for i := 0; i < 5; i++ {
		s.add(schedMsg(driver.Address(fmt.Sprintf("s%d", i)), uint64(i), uint32(1000*(i+1)), 0))
	}

	assert.Len(t, s.selectActive(), 2)
	assert.Equal(t, 5, s.len())
}

func TestScheduler_OnePerSender(t *testing.T) {
	s := newScheduler(4)

	first := schedMsg("a", 1, 1000, 0)
	second := schedMsg("a", 2, 2000, 0)
	other := schedMsg("b", 3, 9000, 0)
	s.add(first)
	s.add(second)
	s.add(other)

	active := s.selectActive()
	assert.Equal(t, []*Inbound{first, other}, active)
}

func TestScheduler_UpdateReorders(t *testing.T) {
	s := newScheduler(1)

	big := schedMsg("a", 1, 10000, 0)
	small := schedMsg("b", 2, 4000, 0)
	s.add(big)
	s.add(small)

	// The big message drains until it has less remaining than the small one.
	big.received = 8000
	s.update(big)

	active := s.selectActive()
	assert.Equal(t, []*Inbound{big}, active)
}

func TestScheduler_ReservationAdmitsResponseSender(t *testing.T) {
	s := newScheduler(1)

	queued := schedMsg("a", 1, 1000, 0)
	response := schedMsg("b", 2, 50000, 0)
	s.add(queued)
	s.add(response)

	// Without a reservation pure SRPT picks the small message.
	assert.Equal(t, []*Inbound{queued}, s.selectActive())

	// With one, the anticipated response is admitted despite its size.
	s.reserve("b")
	active := s.selectActive()
	assert.Equal(t, []*Inbound{response}, active)

	s.consumeReservation("b")
	assert.Equal(t, []*Inbound{queued}, s.selectActive())
}

func TestScheduler_RemoveForgets(t *testing.T) {
	s := newScheduler(2)

	m := schedMsg("a", 1, 1000, 0)
	s.add(m)
	s.remove(m)

	assert.Equal(t, 0, s.len())
	assert.Empty(t, s.selectActive())
	s.remove(m) // second remove is harmless
}
