// Package counters implements the per-CPU reason-code counters of §3/§4.9:
// "Filter counters — per-CPU u64 arrays, keyed by (reason code). Aggregated
// by userspace. Never read by filters."
//
// Shape follows runZeroInc-sockstats/pkg/exporter: a custom
// prometheus.Collector whose Collect method does the aggregation, so the
// hot path only ever does an atomic increment into its own shard and
// Prometheus scraping is the only place that sums across shards.
package counters

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeshield/corefilter/pkg/verdict"
)

// Counters is a set of per-CPU-shard, per-reason-code counters.
type Counters struct {
	shards [][]atomic.Uint64 // [shard][reason]
	desc   *prometheus.Desc
}

// New creates a Counters sharded by GOMAXPROCS, the userspace stand-in for
// "per-CPU" in an environment without true per-CPU BPF maps.
func New() *Counters {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	shards := make([][]atomic.Uint64, n)
	for i := range shards {
		shards[i] = make([]atomic.Uint64, verdict.NumReasons)
	}
	return &Counters{
		shards: shards,
		desc: prometheus.NewDesc(
			"corefilter_packets_total",
			"Packets processed by the filter core, by reason code.",
			[]string{"reason"}, nil,
		),
	}
}

// Incr bumps the counter for reason on the calling shard. shard is
// typically a CPU/worker index the caller already knows (e.g. from an RSS
// queue id); callers without one can pass 0.
func (c *Counters) Incr(shard int, reason verdict.Reason) {
	if shard < 0 || shard >= len(c.shards) {
		shard = 0
	}
	if int(reason) < 0 || int(reason) >= len(c.shards[shard]) {
		return
	}
	c.shards[shard][reason].Add(1)
}

// Sum aggregates reason's counter across every shard (the userspace-only
// read path; filters never read counters per §3).
func (c *Counters) Sum(reason verdict.Reason) uint64 {
	if int(reason) < 0 || int(reason) >= verdict.NumReasons {
		return 0
	}
	var total uint64
	for _, shard := range c.shards {
		total += shard[reason].Load()
	}
	return total
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector, emitting one counter metric per
// reason code summed across shards.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	for r := 0; r < verdict.NumReasons; r++ {
		reason := verdict.Reason(r)
		ch <- prometheus.MustNewConstMetric(
			c.desc, prometheus.CounterValue, float64(c.Sum(reason)), reason.String(),
		)
	}
}
