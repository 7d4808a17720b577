package homa

import (
	"errors"
	"time"
)

// Config carries the transport's tuning knobs. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// TransportID uniquely identifies this transport instance for the
	// process lifetime. Zero assigns the next free id; an explicit id
	// colliding with a live instance fails construction.
	TransportID uint64 `json:"transport_id"`

	// RTT is the assumed fabric round-trip time; with the link bandwidth
	// it sizes the unscheduled window.
	RTT time.Duration `json:"rtt"`

	// UnscheduledBytes overrides the derived unscheduled window when
	// non-zero.
	UnscheduledBytes uint32 `json:"unscheduled_bytes"`

	// PriorityLevels is the number of priority tiers exposed to the
	// driver; at least 8.
	PriorityLevels int `json:"priority_levels"`

	// ActiveGrantSlots bounds how many distinct senders receive grants
	// concurrently. One yields pure SRPT; more masks RTTs.
	ActiveGrantSlots int `json:"active_grant_slots"`

	// ResendTimeout is the inbound silence threshold before a RESEND.
	ResendTimeout time.Duration `json:"resend_timeout"`

	// PingTimeout is the outbound silence threshold before a PING;
	// consecutive pings back off exponentially up to PingBackoffMax.
	PingTimeout    time.Duration `json:"ping_timeout"`
	PingBackoffMax time.Duration `json:"ping_backoff_max"`

	// PingLimit and ResendLimit bound consecutive unanswered probes
	// before the message is failed.
	PingLimit   int `json:"ping_limit"`
	ResendLimit int `json:"resend_limit"`

	// IngressBudget, SendBudget, and GrantBudget bound the work one Poll
	// tick performs in each phase.
	IngressBudget int `json:"ingress_budget"`
	SendBudget    int `json:"send_budget"`
	GrantBudget   int `json:"grant_budget"`

	// LogStore, when set, accumulates per-peer traffic totals.
	LogStore LogStore `json:"-"`
}

// DefaultConfig returns a Config tuned for a 10 Gb/s datacenter fabric.
func DefaultConfig() Config {
	return Config{
		RTT:              8 * time.Microsecond,
		PriorityLevels:   8,
		ActiveGrantSlots: 4,
		ResendTimeout:    100 * time.Millisecond,
		PingTimeout:      100 * time.Millisecond,
		PingBackoffMax:   2 * time.Second,
		PingLimit:        5,
		ResendLimit:      5,
		IngressBudget:    32,
		SendBudget:       16,
		GrantBudget:      16,
	}
}

// Config validation errors.
var (
	ErrTooFewLevels = errors.New("config: at least 8 priority levels required")
	ErrNoGrantSlots = errors.New("config: at least one active grant slot required")
	ErrBadTimeout   = errors.New("config: timeouts must be positive")
)

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PriorityLevels < 8 {
		return ErrTooFewLevels
	}
	if c.ActiveGrantSlots < 1 {
		return ErrNoGrantSlots
	}
	if c.ResendTimeout <= 0 || c.PingTimeout <= 0 || c.RTT <= 0 {
		return ErrBadTimeout
	}
	return nil
}
