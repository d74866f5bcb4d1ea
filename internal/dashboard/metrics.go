package dashboard

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/telemetry"
)

// storeCollector derives run metrics from the telemetry store on every
// scrape, so counts survive dashboard restarts.
type storeCollector struct {
	source Source
	log    *zap.Logger

	runs       *prometheus.Desc
	violations *prometheus.Desc
	blocked    *prometheus.Desc
	peakMemory *prometheus.Desc
}

func newStoreCollector(source Source, log *zap.Logger) *storeCollector {
	return &storeCollector{
		source: source,
		log:    log,
		runs: prometheus.NewDesc("watchkeep_runs",
			"Stored sandbox runs by profile and exit reason.",
			[]string{"profile", "exit_reason"}, nil),
		violations: prometheus.NewDesc("watchkeep_security_violations",
			"Stored runs killed by the seccomp filter.", nil, nil),
		blocked: prometheus.NewDesc("watchkeep_blocked_syscalls",
			"Stored runs by the syscall that got them killed.",
			[]string{"syscall"}, nil),
		peakMemory: prometheus.NewDesc("watchkeep_memory_peak_kb_max",
			"Largest peak resident memory among stored runs, in KiB.", nil, nil),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runs
	ch <- c.violations
	ch <- c.blocked
	ch <- c.peakMemory
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	records, err := c.source.LoadAll()
	if err != nil {
		c.log.Warn("some telemetry records could not be read", zap.Error(err))
	}

	type key struct{ profile, reason string }
	runs := map[key]int{}
	blocked := map[string]int{}
	var violations int
	var peak uint64
	for _, r := range records {
		runs[key{r.Profile, r.ExitReason}]++
		if r.ExitReason == telemetry.ReasonSecurityViolation {
			violations++
		}
		if r.BlockedSyscall != "" {
			blocked[r.BlockedSyscall]++
		}
		peak = max(peak, r.MemoryPeakKB)
	}

	for k, n := range runs {
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.GaugeValue, float64(n), k.profile, k.reason)
	}
	ch <- prometheus.MustNewConstMetric(c.violations, prometheus.GaugeValue, float64(violations))
	for name, n := range blocked {
		ch <- prometheus.MustNewConstMetric(c.blocked, prometheus.GaugeValue, float64(n), name)
	}
	ch <- prometheus.MustNewConstMetric(c.peakMemory, prometheus.GaugeValue, float64(peak))
}
