//go:build linux

package governor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Limit is one setrlimit call.
type Limit struct {
	Resource int
	Value    uint64
}

func (l Limit) String() string {
	return fmt.Sprintf("%s[%d]", resourceName(l.Resource), l.Value)
}

// Limits expands c into setrlimit calls. NPROC comes last so the runtime
// keeps its thread budget for as long as possible during setup.
func (c Ceilings) Limits() []Limit {
	return []Limit{
		{Resource: unix.RLIMIT_CORE, Value: 0},
		{Resource: unix.RLIMIT_STACK, Value: c.StackBytes},
		{Resource: unix.RLIMIT_NOFILE, Value: c.OpenFiles},
		{Resource: unix.RLIMIT_AS, Value: c.AddressSpaceBytes},
		{Resource: unix.RLIMIT_NPROC, Value: c.Processes},
	}
}

// Apply installs every limit of c on the current process, soft and hard
// alike. A limit already tighter than the ceiling is left as is.
func Apply(c Ceilings) error {
	for _, l := range c.Limits() {
		var current unix.Rlimit
		if err := unix.Getrlimit(l.Resource, &current); err != nil {
			return fmt.Errorf("getrlimit %s: %w", resourceName(l.Resource), err)
		}

		value := tighten(l.Value, current.Max)
		next := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Setrlimit(l.Resource, &next); err != nil {
			return fmt.Errorf("setrlimit %s=%d: %w", resourceName(l.Resource), value, err)
		}
	}
	return nil
}

func resourceName(res int) string {
	switch res {
	case unix.RLIMIT_CORE:
		return "CORE"
	case unix.RLIMIT_STACK:
		return "STACK"
	case unix.RLIMIT_NOFILE:
		return "NOFILE"
	case unix.RLIMIT_AS:
		return "AS"
	case unix.RLIMIT_NPROC:
		return "NPROC"
	default:
		return fmt.Sprintf("RLIMIT(%d)", res)
	}
}
