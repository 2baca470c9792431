// Package fragmon observes longitudinal allocator health and feeds the
// slow-changing gauges of the decision kernel.
//
// The monitor tracks three quantities the per-call counters cannot see:
// the fragmentation ratio (reusable bytes held back from the allocator
// versus live bytes), peak resident memory, and a decaying maximum of
// observed call latencies. Publication into the kernel happens on a
// cadence with the same try-lock-or-skip discipline the kernel itself
// uses, so observing a call never blocks it.
package fragmon

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/membrane/membrane/arena"
	"github.com/joshuapare/membrane/membrane/kernel"
)

const (
	defaultPublishEvery = 64

	// tailDecayShift sheds one eighth of the tail latency each
	// publication so a single spike fades instead of pinning the gauge.
	tailDecayShift = 3
)

// Config tunes the monitor. Zero values take defaults.
type Config struct {
	PublishEvery uint64
}

// Monitor bridges arena statistics into kernel gauges.
type Monitor struct {
	table  *arena.Arena
	kern   *kernel.Kernel
	every  uint64
	calls  atomic.Uint64
	tailNs atomic.Uint64

	pubMu      sync.Mutex
	lastStats  arena.Stats
	published  atomic.Uint64
	skipped    atomic.Uint64
}

// New wires a monitor to an arena and a kernel.
func New(table *arena.Arena, kern *kernel.Kernel, cfg Config) *Monitor {
	every := cfg.PublishEvery
	if every == 0 {
		every = defaultPublishEvery
	}
	return &Monitor{table: table, kern: kern, every: every}
}

// Observe records one call's latency and, on cadence, republishes the
// allocator gauges. The fast path is two atomics.
func (m *Monitor) Observe(latencyNs uint64) {
	for {
		cur := m.tailNs.Load()
		if latencyNs <= cur || m.tailNs.CompareAndSwap(cur, latencyNs) {
			break
		}
	}
	if m.calls.Add(1)%m.every == 0 {
		m.publish()
	}
}

func (m *Monitor) publish() {
	if !m.pubMu.TryLock() {
		m.skipped.Add(1)
		return
	}
	defer m.pubMu.Unlock()

	st := m.table.Stats()

	m.kern.SetGauge(kernel.SigFragRatio, FragRatioPPM(st))
	m.kern.SetGauge(kernel.SigReusableBytes, st.ReusableBytes)
	m.kern.SetGauge(kernel.SigQuarantineDepth, st.QuarantineCount)
	m.kern.SetGauge(kernel.SigQuarantineBytes, st.QuarantineBytes)
	m.kern.SetGauge(kernel.SigPeakResident, st.PeakLiveBytes)
	m.kern.SetGauge(kernel.SigCursorGrowth, st.CursorBytes)

	// Window rates since last publication.
	m.kern.SetGauge(kernel.SigDrainRate, st.DrainedRecords-m.lastStats.DrainedRecords)
	m.kern.SetGauge(kernel.SigReuseRate, st.ReuseHits-m.lastStats.ReuseHits)
	m.lastStats = st

	// Publish the current tail, then decay it so the next window starts
	// from a lower bar.
	tail := m.tailNs.Load()
	m.kern.SetGauge(kernel.SigTailLatency, tail)
	m.tailNs.Store(tail - tail>>tailDecayShift)

	m.published.Add(1)
}

// FragRatioPPM computes reusable bytes as a ppm share of tracked bytes.
func FragRatioPPM(st arena.Stats) uint64 {
	total := st.ReusableBytes + st.LiveBytes
	if total == 0 {
		return 0
	}
	return st.ReusableBytes * 1_000_000 / total
}

// Snapshot is a point-in-time health report for tooling.
type Snapshot struct {
	FragRatioPPM      uint64
	ReusableBytes     uint64
	LiveBytes         uint64
	QuarantineBytes   uint64
	QuarantineCount   uint64
	PeakResidentBytes uint64
	TailLatencyNs     uint64
	Published         uint64
	Skipped           uint64
}

func (m *Monitor) Snapshot() Snapshot {
	st := m.table.Stats()
	return Snapshot{
		FragRatioPPM:      FragRatioPPM(st),
		ReusableBytes:     st.ReusableBytes,
		LiveBytes:         st.LiveBytes,
		QuarantineBytes:   st.QuarantineBytes,
		QuarantineCount:   st.QuarantineCount,
		PeakResidentBytes: st.PeakLiveBytes,
		TailLatencyNs:     m.tailNs.Load(),
		Published:         m.published.Load(),
		Skipped:           m.skipped.Load(),
	}
}
