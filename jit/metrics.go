package jit

import "github.com/prometheus/client_golang/prometheus"

// Collector exports a driver's statistics as Prometheus metrics. Values are
// read from a fresh snapshot on every scrape.
type Collector struct {
	d        *Driver
	counters []counterMetric
	gauges   []gaugeMetric
}

type counterMetric struct {
	desc *prometheus.Desc
	get  func(Stats) uint64
}

type gaugeMetric struct {
	desc *prometheus.Desc
	get  func(Stats) float64
}

func metricDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName("bbv", "jit", name), help, nil, nil)
}

// NewCollector creates a collector for d.
func NewCollector(d *Driver) *Collector {
	return &Collector{
		d: d,
		counters: []counterMetric{
			{metricDesc("blocks_compiled_total", "Blocks published."), func(s Stats) uint64 { return s.BlocksCompiled }},
			{metricDesc("compile_failures_total", "Block identities left to the interpreter."), func(s Stats) uint64 { return s.CompileFailures }},
			{metricDesc("discarded_compiles_total", "Drafts dropped because the block was published first elsewhere."), func(s Stats) uint64 { return s.DiscardedCompiles }},
			{metricDesc("assumption_rejects_total", "Drafts dropped because host state changed during codegen."), func(s Stats) uint64 { return s.AssumptionRejects }},
			{metricDesc("invalidations_total", "Blocks invalidated."), func(s Stats) uint64 { return s.Invalidations }},
			{metricDesc("unsupported_total", "Blocks ended by an instruction left to the interpreter."), func(s Stats) uint64 { return s.Unsupported }},
			{metricDesc("deferrals_total", "Blocks ended early to specialize on a value only known at run time."), func(s Stats) uint64 { return s.Deferrals }},
			{metricDesc("guards_total", "Type guards emitted."), func(s Stats) uint64 { return s.Guards }},
			{metricDesc("entries_total", "Transitions from the interpreter into compiled code."), func(s Stats) uint64 { return s.Entries }},
			{metricDesc("side_exits_total", "Returns from compiled code to the interpreter."), func(s Stats) uint64 { return s.SideExits }},
			{metricDesc("stub_hits_total", "Branches taken through a stub."), func(s Stats) uint64 { return s.StubHits }},
			{metricDesc("dispatch_hits_total", "Target table lookups that found code."), func(s Stats) uint64 { return s.DispatchHits }},
			{metricDesc("dispatch_misses_total", "Target table lookups that missed."), func(s Stats) uint64 { return s.DispatchMisses }},
			{metricDesc("branches_resolved_total", "Branches patched or given a table entry."), func(s Stats) uint64 { return s.BranchesResolved }},
			{metricDesc("version_limit_hits_total", "Compiles redirected by the per-position version limit."), func(s Stats) uint64 { return s.VersionLimitHits }},
			{metricDesc("resets_total", "Times all compiled code was discarded."), func(s Stats) uint64 { return s.Resets }},
			{metricDesc("code_patches_total", "Branch words rewritten in the code arena."), func(s Stats) uint64 { return s.Patches }},
		},
		gauges: []gaugeMetric{
			{metricDesc("live_blocks", "Blocks currently published."), func(s Stats) float64 { return float64(s.LiveBlocks) }},
			{metricDesc("code_used_words", "Words of the code arena in use."), func(s Stats) float64 { return float64(s.CodeUsed) }},
			{metricDesc("code_capacity_words", "Capacity of the code arena in words."), func(s Stats) float64 { return float64(s.CodeCap) }},
			{metricDesc("disabled", "1 when the JIT was switched off after an inconsistency."), func(s Stats) float64 {
				if s.Disabled {
					return 1
				}
				return 0
			}},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.counters {
		ch <- m.desc
	}
	for _, m := range c.gauges {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.d.Stats()
	for _, m := range c.counters {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.get(s)))
	}
	for _, m := range c.gauges {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, m.get(s))
	}
}
