package homa

import (
	"sort"

	"github.com/google/btree"

	"github.com/homanet/homa/pkg/driver"
)

// scheduler tracks in-progress inbound messages in SRPT order and picks
// the active set that receives grants. At most `slots` distinct senders
// are granted to concurrently; oversubscription past one masks RTTs.
//
// Reservations support incast avoidance: when the local sender transmits a
// message flagged EXPECT_RESPONSE, a slot is put aside for the anticipated
// response so its first scheduled bytes are granted without queueing.
type scheduler struct {
	tree     *btree.BTreeG[*Inbound]
	slots    int
	reserved map[driver.Address]int
}

func lessSRPT(a, b *Inbound) bool {
	if a.srptKey != b.srptKey {
		return a.srptKey < b.srptKey
	}
	return a.id.Less(b.id)
}

func newScheduler(slots int) *scheduler {
	return &scheduler{
		tree:     btree.NewG(8, lessSRPT),
		slots:    slots,
		reserved: make(map[driver.Address]int),
	}
}

// add indexes the message under its current remaining-byte count.
func (s *scheduler) add(m *Inbound) {
	m.srptKey = m.remaining()
	m.scheduled = true
	s.tree.ReplaceOrInsert(m)
}

// remove drops the message from the index.
func (s *scheduler) remove(m *Inbound) {
	if !m.scheduled {
		return
	}
	s.tree.Delete(m)
	m.scheduled = false
}

// update re-indexes the message after its remaining-byte count changed.
func (s *scheduler) update(m *Inbound) {
	if !m.scheduled {
		return
	}
	s.tree.Delete(m)
	m.srptKey = m.remaining()
	s.tree.ReplaceOrInsert(m)
}

// reserve puts a grant slot aside for a response expected from addr.
func (s *scheduler) reserve(addr driver.Address) {
	s.reserved[addr]++
}

// consumeReservation releases one reservation for addr, if any.
func (s *scheduler) consumeReservation(addr driver.Address) {
	if n := s.reserved[addr]; n > 1 {
		s.reserved[addr] = n - 1
	} else if n == 1 {
		delete(s.reserved, addr)
	}
}

// selectActive returns up to `slots` messages to grant to, smallest
// remaining first, at most one per sender. Messages from senders holding a
// reservation are admitted ahead of the SRPT fill.
func (s *scheduler) selectActive() []*Inbound {
	active := make([]*Inbound, 0, s.slots)
	seen := make(map[driver.Address]bool, s.slots)

	// Reserved senders first, still in SRPT order among themselves.
	s.tree.Ascend(func(m *Inbound) bool {
		if len(active) == s.slots {
			return false
		}
		if s.reserved[m.src] == 0 || seen[m.src] {
			return true
		}
		active = append(active, m)
		seen[m.src] = true
		return true
	})

	s.tree.Ascend(func(m *Inbound) bool {
		if len(active) == s.slots {
			return false
		}
		if seen[m.src] {
			return true
		}
		active = append(active, m)
		seen[m.src] = true
		return true
	})

	// Grant priorities are ranked over this slice; keep it in SRPT order
	// regardless of which pass admitted a message.
	sort.Slice(active, func(i, j int) bool { return lessSRPT(active[i], active[j]) })
	return active
}

// len returns the number of indexed messages.
func (s *scheduler) len() int { return s.tree.Len() }
