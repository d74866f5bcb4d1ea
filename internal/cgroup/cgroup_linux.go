package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	gocgroup "github.com/criyle/go-sandbox/pkg/cgroup"
)

// New creates <parent>/<name> under MountPoint with the memory, pids and
// cpu controllers enabled, and applies limits. A group that cannot be fully
// configured is removed again.
func New(parent, name string, limits Limits) (*Group, error) {
	if name == "" {
		return nil, errors.New("cgroup: name is required")
	}
	if _, err := os.Stat(filepath.Join(MountPoint, "cgroup.controllers")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	avail, err := gocgroup.GetAvailableController()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	ct := &gocgroup.Controllers{Memory: true, Pids: true, CPU: limits.CPUQuota > 0}
	if !avail.Contains(ct) {
		return nil, fmt.Errorf("%w: controllers %s not all available", ErrUnsupported, ct)
	}

	prefix := path.Join(parent, name)
	cg, err := gocgroup.New(prefix, ct)
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", prefix, err)
	}
	return open(cg, filepath.Join(MountPoint, prefix), limits)
}
