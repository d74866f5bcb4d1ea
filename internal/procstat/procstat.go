// Package procstat reads per-process accounting from /proc.
package procstat

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"github.com/tklauser/go-sysconf"
)

// DefaultClockTicks is used when the kernel tick rate cannot be queried.
const DefaultClockTicks = 100

// ErrProcessGone is returned when the process vanished between polls.
var ErrProcessGone = errors.New("process no longer present in /proc")

// Usage is one snapshot of a process's resource consumption.
type Usage struct {
	// CPUTicks is user plus system time in clock ticks.
	CPUTicks    uint64
	RSSKB       uint64
	PeakRSSKB   uint64
	MinorFaults uint64
	MajorFaults uint64
}

// Accountant reads Usage for a pid from a procfs mount.
type Accountant struct {
	fs procfs.FS
}

// New returns an Accountant reading from mountPoint. An empty mountPoint
// means /proc.
func New(mountPoint string) (*Accountant, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", mountPoint, err)
	}
	return &Accountant{fs: fs}, nil
}

// Snapshot reads /proc/<pid>/stat and /proc/<pid>/status.
func (a *Accountant) Snapshot(pid int) (Usage, error) {
	proc, err := a.fs.Proc(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: pid %d: %v", ErrProcessGone, pid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return Usage{}, fmt.Errorf("read stat of %d: %w", pid, err)
	}
	status, err := proc.NewStatus()
	if err != nil {
		return Usage{}, fmt.Errorf("read status of %d: %w", pid, err)
	}

	usage := Usage{
		CPUTicks:    uint64(stat.UTime) + uint64(stat.STime),
		RSSKB:       status.VmRSS / 1024,
		PeakRSSKB:   status.VmHWM / 1024,
		MinorFaults: uint64(stat.MinFlt),
		MajorFaults: uint64(stat.MajFlt),
	}
	if usage.PeakRSSKB < usage.RSSKB {
		usage.PeakRSSKB = usage.RSSKB
	}
	return usage, nil
}

// ClockTicks returns the kernel's USER_HZ, falling back to
// DefaultClockTicks.
func ClockTicks() int64 {
	ticks, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || ticks <= 0 {
		return DefaultClockTicks
	}
	return ticks
}
