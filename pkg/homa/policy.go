package homa

import "time"

// Policy maps message lengths to unscheduled byte counts and remaining
// bytes to priority tiers. It is pure; all parameters are fixed at
// construction from the link bandwidth and MTU.
type Policy struct {
	chunkSize int
	levels    int
	rttBytes  uint32
}

// NewPolicy derives a Policy. rttBytes is the number of bytes the link
// delivers in one round trip; a sender may transmit that much before the
// first grant arrives, so a short message completes in a single RTT.
// unscheduledOverride, when non-zero, replaces the derived value.
func NewPolicy(chunkSize, levels int, bandwidthBPS uint64, rtt time.Duration, unscheduledOverride uint32) Policy {
	rb := uint32(bandwidthBPS / 8 * uint64(rtt) / uint64(time.Second))
	if unscheduledOverride != 0 {
		rb = unscheduledOverride
	}
	// Grants and transmissions advance in whole chunks; keep the
	// unscheduled window chunk-aligned and at least one chunk wide.
	if rb < uint32(chunkSize) {
		rb = uint32(chunkSize)
	} else {
		rb -= rb % uint32(chunkSize)
	}
	return Policy{chunkSize: chunkSize, levels: levels, rttBytes: rb}
}

// ChunkSize returns the DATA payload capacity.
func (p Policy) ChunkSize() int { return p.chunkSize }

// Levels returns the number of priority tiers.
func (p Policy) Levels() int { return p.levels }

// RTTBytes returns the derived round-trip byte window.
func (p Policy) RTTBytes() uint32 { return p.rttBytes }

// UnscheduledLimit returns how many bytes of a message of the given length
// may be sent before the first grant.
func (p Policy) UnscheduledLimit(length uint32) uint32 {
	if length < p.rttBytes {
		return length
	}
	return p.rttBytes
}

// Priority buckets remaining bytes into a tier; fewer remaining bytes map
// to a higher tier so the fabric delivers short messages first. Tiers are
// geometric in width.
func (p Policy) Priority(remaining uint32) uint8 {
	tier := p.levels - 1
	threshold := uint64(p.chunkSize)
	for tier > 0 && uint64(remaining) > threshold {
		threshold <<= 2
		tier--
	}
	return uint8(tier)
}
