// Package metrics exports membrane counters and gauges to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshuapare/membrane/membrane"
	"github.com/joshuapare/membrane/membrane/heal"
)

// Collector bridges the membrane's record streams into a Prometheus
// registry. It consumes outcomes and audit entries; it never reaches
// into component internals.
type Collector struct {
	calls *prometheus.CounterVec
	heals *prometheus.CounterVec

	riskPPM       prometheus.Gauge
	fragRatioPPM  prometheus.Gauge
	liveBytes     prometheus.Gauge
	quarBytes     prometheus.Gauge
	peakBytes     prometheus.Gauge
	tailLatencyNs prometheus.Gauge
}

// New registers the metric families with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "membrane",
			Name:      "calls_total",
			Help:      "Intercepted calls by symbol and outcome.",
		}, []string{"symbol", "outcome"}),
		heals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "membrane",
			Name:      "healing_actions_total",
			Help:      "Healing actions applied by action and verdict.",
		}, []string{"action", "verdict"}),
		riskPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "risk_ppm",
			Help:      "Risk score of the most recent observed call.",
		}),
		fragRatioPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "fragmentation_ratio_ppm",
			Help:      "Reusable bytes as a ppm share of tracked bytes.",
		}),
		liveBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "live_bytes",
			Help:      "Bytes in Live allocation records.",
		}),
		quarBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "quarantine_bytes",
			Help:      "Bytes held in quarantine.",
		}),
		peakBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "peak_resident_bytes",
			Help:      "High-water mark of live bytes.",
		}),
		tailLatencyNs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "membrane",
			Name:      "tail_latency_ns",
			Help:      "Decaying maximum of observed call latencies.",
		}),
	}
	reg.MustRegister(c.calls, c.heals, c.riskPPM, c.fragRatioPPM,
		c.liveBytes, c.quarBytes, c.peakBytes, c.tailLatencyNs)
	return c
}

// ObserveResult counts one completed call.
func (c *Collector) ObserveResult(symbol string, res membrane.Result) {
	c.calls.WithLabelValues(symbol, res.Outcome.String()).Inc()
	c.riskPPM.Set(float64(res.RiskPPM))
}

// ObserveAudit counts drained healing audit entries.
func (c *Collector) ObserveAudit(entries []heal.Entry) {
	for _, e := range entries {
		c.heals.WithLabelValues(e.Action.String(), e.Verdict.String()).Inc()
	}
}

// Scrape refreshes the gauges from an aggregate stats snapshot.
func (c *Collector) Scrape(st membrane.Stats) {
	c.fragRatioPPM.Set(float64(st.Frag.FragRatioPPM))
	c.liveBytes.Set(float64(st.Arena.LiveBytes))
	c.quarBytes.Set(float64(st.Arena.QuarantineBytes))
	c.peakBytes.Set(float64(st.Frag.PeakResidentBytes))
	c.tailLatencyNs.Set(float64(st.Frag.TailLatencyNs))
}
