// Package telemetry defines the per-run telemetry record, its bounded
// sample series, exit classification and the on-disk store.
package telemetry

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds the sample series when no capacity is configured.
const DefaultCapacity = 1000

// Exit reasons. EXITED carries the code as "EXITED(<code>)".
const (
	ReasonSecurityViolation = "SECURITY_VIOLATION"
	ReasonKilledByOS        = "KILLED_BY_OS"
	ReasonSignaled          = "SIGNALED"
	reasonExitedPrefix      = "EXITED"
)

// Sample is one observation of the running target.
type Sample struct {
	TimeMS     int64   `json:"time_ms"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryKB   uint64  `json:"memory_kb"`
}

// Record is the finalized telemetry of one run.
type Record struct {
	RunID            string    `json:"run_id"`
	PID              int       `json:"pid"`
	Program          string    `json:"program"`
	Profile          string    `json:"profile"`
	Isolation        string    `json:"isolation"`
	WritableMounts   []string  `json:"writable_mounts,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	RuntimeMS        int64     `json:"runtime_ms"`
	CPUUsagePercent  float64   `json:"cpu_usage_percent"`
	PeakCPUPercent   float64   `json:"peak_cpu_percent"`
	MemoryPeakKB     uint64    `json:"memory_peak_kb"`
	PageFaultsMinor  uint64    `json:"page_faults_minor"`
	PageFaultsMajor  uint64    `json:"page_faults_major"`
	ExitCode         *int      `json:"exit_code,omitempty"`
	TerminationSig   string    `json:"termination_signal"`
	BlockedSyscall   string    `json:"blocked_syscall"`
	ObservedSyscalls []string  `json:"observed_syscalls,omitempty"`
	OOMKilled        *bool     `json:"oom_killed,omitempty"`
	ExitReason       string    `json:"exit_reason"`
	Samples          []Sample  `json:"samples"`
	SamplesDropped   int       `json:"samples_dropped"`
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// ShortID is the first eight characters of the run id, used in file names.
func (r *Record) ShortID() string {
	if len(r.RunID) <= 8 {
		return r.RunID
	}
	return r.RunID[:8]
}

// Violated reports whether the run ended in a seccomp kill.
func (r *Record) Violated() bool {
	return r.ExitReason == ReasonSecurityViolation
}

// Exited reports whether the target terminated normally.
func (r *Record) Exited() bool {
	return r.ExitCode != nil
}

// ExitedReason formats the reason tag for a normal exit.
func ExitedReason(code int) string {
	return fmt.Sprintf("%s(%d)", reasonExitedPrefix, code)
}

// Series is an ordered, bounded list of samples. Appends beyond capacity
// are counted and discarded.
type Series struct {
	capacity int
	samples  []Sample
	dropped  int
}

// NewSeries returns a Series holding at most capacity samples. A
// non-positive capacity means DefaultCapacity.
func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{capacity: capacity}
}

// Append records s. Time values that would go backwards are clamped to
// the previous sample's time. It reports whether s was stored.
func (s *Series) Append(sample Sample) bool {
	if len(s.samples) >= s.capacity {
		s.dropped++
		return false
	}
	if n := len(s.samples); n > 0 && sample.TimeMS < s.samples[n-1].TimeMS {
		sample.TimeMS = s.samples[n-1].TimeMS
	}
	s.samples = append(s.samples, sample)
	return true
}

func (s *Series) Len() int { return len(s.samples) }

func (s *Series) Dropped() int { return s.dropped }

func (s *Series) Capacity() int { return s.capacity }

// Samples returns a copy of the stored samples.
func (s *Series) Samples() []Sample {
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}
