package watchkeep

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/telemetry"
)

// Record is the finalized telemetry of one sandboxed run.
type Record = telemetry.Record

// Sample is one observation in Record.Samples.
type Sample = telemetry.Sample

// RunRequest describes a sandboxed launch.
type RunRequest struct {
	// Command is the target path (or a name looked up in PATH) followed by
	// its arguments.
	Command []string
	// Profile is strict, resource-aware or learning. Empty means strict.
	Profile string

	// TelemetryDir receives the record; empty disables storage.
	TelemetryDir string
	Compress     bool

	SampleInterval time.Duration
	MaxSamples     int
	// ProcRoot is the procfs mount to sample; empty means /proc.
	ProcRoot string

	Hostname         string
	UserNamespace    bool
	LandlockFallback bool
	// KernelLog enables blocked-syscall inference from the kernel log.
	KernelLog bool

	// Cgroup places the run in its own cgroup v2 group when set.
	Cgroup *CgroupLimits
}

// CgroupLimits configure the optional per-run cgroup.
type CgroupLimits struct {
	// Parent is the group under the cgroup v2 mount that holds runs.
	Parent string
	// MemoryMax in bytes; 0 means unlimited.
	MemoryMax uint64
	// PidsMax; 0 means unlimited.
	PidsMax int64
	// CPUMax as a fraction of one CPU; 0 means unlimited.
	CPUMax float64
}

// RunIO controls the target's standard streams and environment.
type RunIO struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env overrides the environment passed to the target. When nil, the
	// current process environment is used.
	Env []string

	// HelperBinaryPath is the binary re-executed as the sandbox helper. It
	// must dispatch the helper verb to the sandbox entry point. Empty means
	// the running executable.
	HelperBinaryPath string

	Logger *zap.Logger
}

// RunResult is a finalized run.
type RunResult struct {
	Record *Record
	// Path is where the record was stored, empty when storage is disabled.
	Path string
}
