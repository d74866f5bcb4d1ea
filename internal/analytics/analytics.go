// Package analytics summarizes stored telemetry records and rates the
// risk of individual runs.
package analytics

import (
	"sort"
	"strings"

	"github.com/bpicori/watchkeep/internal/telemetry"
)

// Risk thresholds.
const (
	HighCPUPercent   = 80.0
	HighMemoryKB     = 100000
	HighMinorFaults  = 1000
	verdictMalicious = "Malicious"
	verdictBuggy     = "Buggy"
	verdictBenign    = "Benign"
)

// ProfileStats aggregates runs of one profile.
type ProfileStats struct {
	Count       int     `json:"count"`
	AvgCPU      float64 `json:"avg_cpu"`
	AvgMemoryKB float64 `json:"avg_mem"`
}

// Summary is the aggregate view over a set of records.
type Summary struct {
	TotalRuns         int                     `json:"total_runs"`
	ByProfile         map[string]ProfileStats `json:"by_profile"`
	ByExitReason      map[string]int          `json:"by_exit_reason"`
	Violations        int                     `json:"syscall_violations"`
	AvgRuntimeMS      float64                 `json:"avg_runtime_ms"`
	AvgCPUPercent     float64                 `json:"avg_cpu_percent"`
	AvgMemoryKB       float64                 `json:"avg_memory_kb"`
	BlockedSyscalls   map[string]int          `json:"blocked_syscalls"`
	DegradedIsolation int                     `json:"degraded_isolation"`
}

// Summarize computes the aggregate statistics of records.
func Summarize(records []*telemetry.Record) Summary {
	s := Summary{
		ByProfile:       map[string]ProfileStats{},
		ByExitReason:    map[string]int{},
		BlockedSyscalls: SyscallFrequency(records),
	}
	if len(records) == 0 {
		return s
	}

	var runtime, cpu, mem float64
	for _, r := range records {
		s.TotalRuns++
		s.ByExitReason[exitBucket(r.ExitReason)]++
		if r.Violated() {
			s.Violations++
		}
		if r.Isolation != "" && r.Isolation != "full" {
			s.DegradedIsolation++
		}

		runtime += float64(r.RuntimeMS)
		cpu += r.CPUUsagePercent
		mem += float64(r.MemoryPeakKB)

		ps := s.ByProfile[r.Profile]
		ps.Count++
		ps.AvgCPU += r.CPUUsagePercent
		ps.AvgMemoryKB += float64(r.MemoryPeakKB)
		s.ByProfile[r.Profile] = ps
	}

	n := float64(s.TotalRuns)
	s.AvgRuntimeMS = runtime / n
	s.AvgCPUPercent = cpu / n
	s.AvgMemoryKB = mem / n
	for name, ps := range s.ByProfile {
		ps.AvgCPU /= float64(ps.Count)
		ps.AvgMemoryKB /= float64(ps.Count)
		s.ByProfile[name] = ps
	}
	return s
}

// exitBucket folds EXITED(n) codes together so the breakdown stays small.
func exitBucket(reason string) string {
	if strings.HasPrefix(reason, "EXITED(") {
		if reason == telemetry.ExitedReason(0) {
			return reason
		}
		return "EXITED(non-zero)"
	}
	if reason == "" {
		return "UNKNOWN"
	}
	return reason
}

// SyscallFrequency counts blocked syscalls across records.
func SyscallFrequency(records []*telemetry.Record) map[string]int {
	counts := map[string]int{}
	for _, r := range records {
		if r.BlockedSyscall != "" {
			counts[r.BlockedSyscall]++
		}
	}
	return counts
}

// MemoryGrowthRate is the least-squares slope of memory over sample index,
// in KiB per sample. Fewer than two samples or a flat series yield 0.
func MemoryGrowthRate(samples []telemetry.Sample) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}

	var sumX, sumY float64
	for i, s := range samples {
		sumX += float64(i)
		sumY += float64(s.MemoryKB)
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var cov, varX float64
	flat := true
	for i, s := range samples {
		dx := float64(i) - meanX
		dy := float64(s.MemoryKB) - meanY
		cov += dx * dy
		varX += dx * dx
		if s.MemoryKB != samples[0].MemoryKB {
			flat = false
		}
	}
	if flat || varX == 0 {
		return 0
	}
	return cov / varX
}

// Assessment is the rule-based rating of one run.
type Assessment struct {
	Verdict string   `json:"verdict"`
	Reasons []string `json:"reasons"`
}

// Assess rates r: a seccomp kill is Malicious, other abnormal signals are
// Buggy, and everything else Benign. Reasons list every rule that fired.
func Assess(r *telemetry.Record) Assessment {
	var reasons []string
	if r.CPUUsagePercent > HighCPUPercent {
		reasons = append(reasons, "High CPU")
	}
	if r.MemoryPeakKB > HighMemoryKB {
		reasons = append(reasons, "High Memory")
	}
	if r.PageFaultsMinor > HighMinorFaults {
		reasons = append(reasons, "High Activity")
	}
	if r.Violated() {
		reasons = append(reasons, "Syscall Violation")
	}
	if len(reasons) == 0 {
		reasons = []string{"Normal behavior"}
	}

	verdict := verdictBenign
	switch r.ExitReason {
	case telemetry.ReasonSecurityViolation:
		verdict = verdictMalicious
	case telemetry.ReasonSignaled, telemetry.ReasonKilledByOS:
		verdict = verdictBuggy
	}
	return Assessment{Verdict: verdict, Reasons: reasons}
}

// TopSyscalls returns the syscall counts ordered by frequency, then name.
func TopSyscalls(counts map[string]int) []SyscallCount {
	out := make([]SyscallCount, 0, len(counts))
	for name, n := range counts {
		out = append(out, SyscallCount{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SyscallCount is one row of a syscall frequency table.
type SyscallCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
