package analytics

import (
	"math"
	"testing"

	"github.com/bpicori/watchkeep/internal/telemetry"
)

func rec(profile, reason string, cpu float64, memKB uint64, runtimeMS int64) *telemetry.Record {
	return &telemetry.Record{
		Profile:         profile,
		ExitReason:      reason,
		CPUUsagePercent: cpu,
		MemoryPeakKB:    memKB,
		RuntimeMS:       runtimeMS,
		Isolation:       "full",
	}
}

func TestSummarize(t *testing.T) {
	violation := rec("STRICT", telemetry.ReasonSecurityViolation, 10, 1000, 100)
	violation.BlockedSyscall = "fork"
	degraded := rec("LEARNING", "EXITED(0)", 50, 3000, 300)
	degraded.Isolation = "landlock"

	records := []*telemetry.Record{
		rec("STRICT", "EXITED(0)", 20, 2000, 200),
		violation,
		degraded,
		rec("STRICT", "EXITED(3)", 30, 3000, 400),
	}
	s := Summarize(records)

	if s.TotalRuns != 4 || s.Violations != 1 || s.DegradedIsolation != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.ByExitReason["EXITED(0)"] != 2 || s.ByExitReason["EXITED(non-zero)"] != 1 {
		t.Fatalf("by exit reason = %v", s.ByExitReason)
	}
	strict := s.ByProfile["STRICT"]
	if strict.Count != 3 || strict.AvgCPU != 20 || strict.AvgMemoryKB != 2000 {
		t.Fatalf("strict stats = %+v", strict)
	}
	if s.AvgRuntimeMS != 250 || s.AvgCPUPercent != 27.5 {
		t.Fatalf("averages = %v / %v", s.AvgRuntimeMS, s.AvgCPUPercent)
	}
	if s.BlockedSyscalls["fork"] != 1 {
		t.Fatalf("blocked = %v", s.BlockedSyscalls)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.TotalRuns != 0 || s.ByProfile == nil || s.ByExitReason == nil {
		t.Fatalf("empty summary = %+v", s)
	}
}

func TestMemoryGrowthRate(t *testing.T) {
	linear := []telemetry.Sample{{MemoryKB: 100}, {MemoryKB: 110}, {MemoryKB: 120}, {MemoryKB: 130}}
	if got := MemoryGrowthRate(linear); math.Abs(got-10) > 1e-9 {
		t.Fatalf("slope = %v, want 10", got)
	}
	flat := []telemetry.Sample{{MemoryKB: 5}, {MemoryKB: 5}, {MemoryKB: 5}}
	if got := MemoryGrowthRate(flat); got != 0 {
		t.Fatalf("flat slope = %v", got)
	}
	if got := MemoryGrowthRate([]telemetry.Sample{{MemoryKB: 9}}); got != 0 {
		t.Fatalf("single-sample slope = %v", got)
	}
	shrinking := []telemetry.Sample{{MemoryKB: 300}, {MemoryKB: 200}, {MemoryKB: 100}}
	if got := MemoryGrowthRate(shrinking); math.Abs(got+100) > 1e-9 {
		t.Fatalf("shrinking slope = %v, want -100", got)
	}
}

func TestAssess(t *testing.T) {
	cases := []struct {
		name    string
		record  *telemetry.Record
		verdict string
		reasons []string
	}{
		{"quiet", rec("STRICT", "EXITED(0)", 5, 500, 10), "Benign", []string{"Normal behavior"}},
		{"violation", rec("STRICT", telemetry.ReasonSecurityViolation, 5, 500, 10), "Malicious", []string{"Syscall Violation"}},
		{"crash", rec("STRICT", telemetry.ReasonSignaled, 95, 500, 10), "Buggy", []string{"High CPU"}},
		{"oom", rec("STRICT", telemetry.ReasonKilledByOS, 5, 200000, 10), "Buggy", []string{"High Memory"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Assess(tc.record)
			if got.Verdict != tc.verdict {
				t.Fatalf("verdict = %q, want %q", got.Verdict, tc.verdict)
			}
			if len(got.Reasons) != len(tc.reasons) || got.Reasons[0] != tc.reasons[0] {
				t.Fatalf("reasons = %v, want %v", got.Reasons, tc.reasons)
			}
		})
	}

	busy := rec("LEARNING", "EXITED(0)", 90, 150000, 10)
	busy.PageFaultsMinor = 5000
	if got := Assess(busy); len(got.Reasons) != 3 || got.Verdict != "Benign" {
		t.Fatalf("busy assessment = %+v", got)
	}
}

func TestTopSyscalls(t *testing.T) {
	got := TopSyscalls(map[string]int{"socket": 2, "fork": 5, "clone": 2})
	want := []string{"fork", "clone", "socket"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("order = %+v", got)
		}
	}
}
