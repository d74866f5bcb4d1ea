// Package cgroup manages an optional cgroup v2 group that adds aggregate
// limits on top of the per-process rlimits and reports OOM kills.
//
// Group creation, limits, membership and peak accounting go through
// github.com/criyle/go-sandbox/pkg/cgroup. Only cgroup.kill and the oom_kill
// counter of memory.events, which that package does not expose, are handled
// here directly.
package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MountPoint is where the cgroup v2 hierarchy is expected.
const MountPoint = "/sys/fs/cgroup"

// cpu.max period in microseconds.
const cpuPeriod = 100000

var (
	// ErrNoPid is returned by Attach for a non-positive pid.
	ErrNoPid = errors.New("cgroup: invalid pid")
	// ErrUnsupported means no writable cgroup v2 hierarchy is available.
	ErrUnsupported = errors.New("cgroup: cgroup v2 unavailable")
)

// Limits are applied when the group is created. Zero values leave the
// kernel default ("max") in place.
type Limits struct {
	MemoryBytes uint64
	Pids        int64
	// CPUQuota is the fraction of one CPU, e.g. 0.5; zero is unlimited.
	CPUQuota float64
}

// controller is the subset of the go-sandbox cgroup handle a Group drives.
type controller interface {
	AddProc(pid ...int) error
	Destroy() error
	MemoryMaxUsage() (uint64, error)
	SetCPUBandwidth(quota, period uint64) error
	SetMemoryLimit(uint64) error
	SetProcLimit(uint64) error
}

// Group is one per-run cgroup.
type Group struct {
	cg   controller
	path string
}

func open(cg controller, path string, limits Limits) (*Group, error) {
	g := &Group{cg: cg, path: path}
	if err := g.apply(limits); err != nil {
		_ = g.Close()
		return nil, err
	}
	return g, nil
}

// Path is the group's directory.
func (g *Group) Path() string { return g.path }

func (g *Group) apply(limits Limits) error {
	if limits.MemoryBytes > 0 {
		if err := g.cg.SetMemoryLimit(limits.MemoryBytes); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if limits.Pids > 0 {
		if err := g.cg.SetProcLimit(uint64(limits.Pids)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}
	if limits.CPUQuota > 0 {
		quota := uint64(limits.CPUQuota * cpuPeriod)
		if err := g.cg.SetCPUBandwidth(quota, cpuPeriod); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

// Attach moves pid into the group.
func (g *Group) Attach(pid int) error {
	if pid <= 0 {
		return ErrNoPid
	}
	if err := g.cg.AddProc(pid); err != nil {
		return fmt.Errorf("attach %d to %s: %w", pid, g.path, err)
	}
	return nil
}

// OOMKilled reports whether the kernel OOM killer fired inside the group.
func (g *Group) OOMKilled() bool {
	v, err := g.readKeyed("memory.events", "oom_kill")
	return err == nil && v > 0
}

// PeakMemoryKB is memory.peak in KiB, or zero when the kernel lacks it.
func (g *Group) PeakMemoryKB() uint64 {
	v, err := g.cg.MemoryMaxUsage()
	if err != nil {
		return 0
	}
	return v / 1024
}

// Kill terminates every process in the group via cgroup.kill.
func (g *Group) Kill() error {
	if err := os.WriteFile(filepath.Join(g.path, "cgroup.kill"), []byte("1"), 0o640); err != nil {
		return fmt.Errorf("write cgroup.kill: %w", err)
	}
	return nil
}

// Close removes the group. The kernel refuses while processes remain, so
// callers reap first.
func (g *Group) Close() error {
	if err := g.cg.Destroy(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cgroup %s: %w", g.path, err)
	}
	return nil
}

func (g *Group) readKeyed(name, key string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(g.path, name))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("%s: key %q not found", name, key)
}
