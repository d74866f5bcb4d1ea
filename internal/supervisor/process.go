package supervisor

import (
	"context"
	"time"

	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/policy"
	"github.com/bpicori/watchkeep/internal/procstat"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

// SpawnRequest is everything a Spawner needs to start one sandboxed child.
type SpawnRequest struct {
	RunID string
	Spec  profile.LaunchSpec
	// Companion, when set, is the cgroup the child must be placed in.
	Companion Companion
}

// Spawner starts the sandbox helper for a launch.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// Process is a spawned child as seen by the monitoring loop.
type Process interface {
	Pid() int

	// AwaitSetup blocks until the helper has either replaced itself with
	// the target or reported a setup failure.
	AwaitSetup(ctx context.Context) (Setup, error)

	// Poll reports whether the child has terminated without reaping it.
	Poll() (bool, error)

	// Wait reaps the child and returns its disposition and usage.
	Wait() (Exit, error)

	Kill() error
}

// Setup is what the helper reported just before it executed the target.
type Setup struct {
	Level isolation.Level
	// Writable lists mounts that stayed writable under the read-only root.
	Writable []string
	// Baseline is the helper's own usage at that point. The kernel keeps
	// charging it to the same pid after execve.
	Baseline ResourceUsage
}

// ResourceUsage is the kernel's rusage for the reaped child.
type ResourceUsage struct {
	CPUTime     time.Duration `cbor:"cpu_ns"`
	MaxRSSKB    uint64        `cbor:"maxrss_kb"`
	MinorFaults uint64        `cbor:"minflt"`
	MajorFaults uint64        `cbor:"majflt"`
}

// since returns the counters accumulated after base, clamped at zero.
// MaxRSSKB is a high-water mark, not a counter, and is kept as is.
func (u ResourceUsage) since(base ResourceUsage) ResourceUsage {
	return ResourceUsage{
		CPUTime:     max(u.CPUTime-base.CPUTime, 0),
		MaxRSSKB:    u.MaxRSSKB,
		MinorFaults: u.MinorFaults - min(u.MinorFaults, base.MinorFaults),
		MajorFaults: u.MajorFaults - min(u.MajorFaults, base.MajorFaults),
	}
}

// Exit is the final disposition of a child.
type Exit struct {
	telemetry.Disposition
	Usage ResourceUsage
}

// Accountant samples a running process.
type Accountant interface {
	Snapshot(pid int) (procstat.Usage, error)
}

// Companion is an optional aggregate-limit controller (a cgroup).
type Companion interface {
	Path() string
	Attach(pid int) error
	OOMKilled() bool
	PeakMemoryKB() uint64
	// Kill terminates every process in the group.
	Kill() error
	Close() error
}

// Inspector yields the seccomp audit findings for a pid.
type Inspector interface {
	Inspect(pid int) (policy.Findings, error)
	Close() error
}

// Sink receives the finalized record.
type Sink interface {
	Save(r *telemetry.Record) (string, error)
}
