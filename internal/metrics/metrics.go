// Package metrics records transport telemetry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder counts transport events. Malformed and duplicate packets are
// counted here and nowhere else; they never reach message state.
type Recorder interface {
	PacketIn(opcode string)
	PacketOut(opcode string)
	MalformedPacket()
	DuplicateData()
	Retransmit()
	GrantIssued()
	PoolExhausted()
}

type dummy struct{}

// NewDummy constructs a no-op metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) PacketIn(string)  {}
func (m *dummy) PacketOut(string) {}
func (m *dummy) MalformedPacket() {}
func (m *dummy) DuplicateData()   {}
func (m *dummy) Retransmit()      {}
func (m *dummy) GrantIssued()     {}
func (m *dummy) PoolExhausted()   {}

type prom struct {
	packetsIn  *prometheus.CounterVec
	packetsOut *prometheus.CounterVec
	malformed  prometheus.Counter
	duplicates prometheus.Counter
	retransmit prometheus.Counter
	grants     prometheus.Counter
	exhausted  prometheus.Counter
}

// NewPrometheus constructs a Prometheus metrics recorder.
func NewPrometheus(service string) Recorder {
	return &prom{
		packetsIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_packets_in_total",
			Help: "The total number of ingress packets by opcode",
		}, []string{"opcode"}),
		packetsOut: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_packets_out_total",
			Help: "The total number of egress packets by opcode",
		}, []string{"opcode"}),
		malformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_malformed_packets_total",
			Help: "The total number of malformed packets dropped",
		}),
		duplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_duplicate_data_total",
			Help: "The total number of duplicate DATA packets dropped",
		}),
		retransmit: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_retransmits_total",
			Help: "The total number of DATA retransmissions",
		}),
		grants: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_grants_total",
			Help: "The total number of GRANT packets issued",
		}),
		exhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_pool_exhausted_total",
			Help: "The total number of packet emissions skipped on an empty pool",
		}),
	}
}

func (m *prom) PacketIn(opcode string)  { m.packetsIn.WithLabelValues(opcode).Inc() }
func (m *prom) PacketOut(opcode string) { m.packetsOut.WithLabelValues(opcode).Inc() }
func (m *prom) MalformedPacket()        { m.malformed.Inc() }
func (m *prom) DuplicateData()          { m.duplicates.Inc() }
func (m *prom) Retransmit()             { m.retransmit.Inc() }
func (m *prom) GrantIssued()            { m.grants.Inc() }
func (m *prom) PoolExhausted()          { m.exhausted.Inc() }
