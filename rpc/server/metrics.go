package server

import (
	"io"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

// stats mirrors loop owned state into atomics so the metrics endpoint can
// read it from its own goroutine
type stats struct {
	server *Server
	set    *metrics.Set

	status     atomic.Uint32
	connected  atomic.Int64
	nodes      atomic.Int64
	awayCycles atomic.Int64
	syncs      atomic.Int64
	queued     atomic.Int64
}

func newStats(s *Server) *stats {
	st := &stats{server: s, set: metrics.NewSet()}
	self := s.cluster.Self()

	st.set.NewGauge("drep_ccid", func() float64 { return float64(self.CCID()) })
	st.set.NewGauge("drep_scid", func() float64 { return float64(self.SCID()) })
	st.set.NewGauge("drep_low_ccid", func() float64 { return float64(s.cluster.LowWater().CCID) })
	st.set.NewGauge("drep_low_scid", func() float64 { return float64(s.cluster.LowWater().SCID) })
	st.set.NewGauge("drep_status", func() float64 { return float64(st.status.Load()) })
	st.set.NewGauge("drep_nodes", func() float64 { return float64(st.nodes.Load()) })
	st.set.NewGauge("drep_nodes_connected", func() float64 { return float64(st.connected.Load()) })
	st.set.NewGauge("drep_away_cycles", func() float64 { return float64(st.awayCycles.Load()) })
	st.set.NewGauge("drep_syncs_running", func() float64 { return float64(st.syncs.Load()) })
	st.set.NewGauge("drep_changes_queued", func() float64 { return float64(st.queued.Load()) })
	st.update()
	return st
}

// update copies the loop owned values, it runs on the loop
func (st *stats) update() {
	s := st.server
	connected := 0
	for _, n := range s.cluster.Peers() {
		if n.Connected() {
			connected++
		}
	}
	st.status.Store(uint32(s.cluster.Self().Status))
	st.connected.Store(int64(connected))
	st.nodes.Store(int64(s.cluster.Len()))
	st.awayCycles.Store(int64(s.away.Cycles()))
	st.syncs.Store(int64(s.syncs.Len()))
	st.queued.Store(int64(s.pipeline.Queued()))
}

// WritePrometheus writes the node gauges, the pipeline and sync counters and
// the process metrics
func (st *stats) WritePrometheus(w io.Writer) {
	st.set.WritePrometheus(w)
	st.server.pipeline.Metrics().Set().WritePrometheus(w)
	st.server.syncs.Metrics().WritePrometheus(w)
	metrics.WriteProcessMetrics(w)
}
