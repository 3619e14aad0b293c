package change

import (
	"time"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// Metrics counts what happened to changes. Each pipeline has its own set so
// several nodes can run in one process (tests).
type Metrics struct {
	set *metrics.Set

	Committed  *metrics.Counter
	Skipped    *metrics.Counter // duplicates
	Failed     *metrics.Counter // proposals without an id
	Partial    *metrics.Counter // committed with failed jobs
	Killed     *metrics.Counter // ids given up after a gap
	WithGap    *metrics.Counter // applied right after a killed id
	Unaligned  *metrics.Counter // received out of order
	QuorumLost *metrics.Counter

	apply gometrics.Timer
}

// NewMetrics creates the counters
func NewMetrics() *Metrics {
	set := metrics.NewSet()
	return &Metrics{
		set:        set,
		Committed:  set.NewCounter("drep_changes_committed_total"),
		Skipped:    set.NewCounter("drep_changes_skipped_total"),
		Failed:     set.NewCounter("drep_changes_failed_total"),
		Partial:    set.NewCounter("drep_changes_partial_total"),
		Killed:     set.NewCounter("drep_changes_killed_total"),
		WithGap:    set.NewCounter("drep_changes_with_gap_total"),
		Unaligned:  set.NewCounter("drep_changes_unaligned_total"),
		QuorumLost: set.NewCounter("drep_quorum_lost_total"),
		apply:      gometrics.NewTimer(),
	}
}

// Set returns the VictoriaMetrics set, it is registered for the /metrics endpoint
func (m *Metrics) Set() *metrics.Set {
	return m.set
}

// observeApply records the duration of one change application
func (m *Metrics) observeApply(d time.Duration) {
	m.apply.Update(d)
}

// Counters is a point in time copy of the metrics
type Counters struct {
	Committed    uint64  `json:"changes_committed"`
	Skipped      uint64  `json:"changes_skipped"`
	Failed       uint64  `json:"changes_failed"`
	Partial      uint64  `json:"changes_partial"`
	Killed       uint64  `json:"changes_killed"`
	WithGap      uint64  `json:"changes_with_gap"`
	Unaligned    uint64  `json:"changes_unaligned"`
	QuorumLost   uint64  `json:"quorum_lost"`
	AverageApply float64 `json:"average_apply_ms"`
	LongestApply float64 `json:"longest_apply_ms"`
}

// Snapshot copies the current values
func (m *Metrics) Snapshot() Counters {
	t := m.apply.Snapshot()
	return Counters{
		Committed:    m.Committed.Get(),
		Skipped:      m.Skipped.Get(),
		Failed:       m.Failed.Get(),
		Partial:      m.Partial.Get(),
		Killed:       m.Killed.Get(),
		WithGap:      m.WithGap.Get(),
		Unaligned:    m.Unaligned.Get(),
		QuorumLost:   m.QuorumLost.Get(),
		AverageApply: t.Mean() / float64(time.Millisecond),
		LongestApply: float64(t.Max()) / float64(time.Millisecond),
	}
}
