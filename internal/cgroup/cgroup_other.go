//go:build !linux

package cgroup

// New always fails off Linux.
func New(parent, name string, limits Limits) (*Group, error) {
	return nil, ErrUnsupported
}
