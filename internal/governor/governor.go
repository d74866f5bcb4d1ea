// Package governor derives the per-profile resource ceilings and imposes
// them on the calling process with setrlimit.
package governor

import (
	"fmt"
	"strings"

	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/dustin/go-humanize"
)

const mib = 1 << 20

// Ceilings are the hard limits applied to a sandboxed process. Core dumps
// are always disabled on top of these.
type Ceilings struct {
	StackBytes        uint64 `cbor:"stack" json:"stack_bytes"`
	OpenFiles         uint64 `cbor:"nofile" json:"open_files"`
	AddressSpaceBytes uint64 `cbor:"as" json:"address_space_bytes"`
	Processes         uint64 `cbor:"nproc" json:"processes"`
}

// For returns the ceilings of p. Unknown profiles get Strict ceilings.
func For(p profile.SandboxProfile) Ceilings {
	switch p {
	case profile.ResourceAware:
		return resourceAwareCeilings()
	case profile.Learning:
		return learningCeilings()
	default:
		return strictCeilings()
	}
}

func strictCeilings() Ceilings {
	return Ceilings{
		StackBytes:        8 * mib,
		OpenFiles:         64,
		AddressSpaceBytes: 128 * mib,
		Processes:         20,
	}
}

// resourceAwareCeilings halves the strict budget; the profile widens the
// syscall set with introspection calls so workloads can govern themselves.
func resourceAwareCeilings() Ceilings {
	return Ceilings{
		StackBytes:        4 * mib,
		OpenFiles:         32,
		AddressSpaceBytes: 64 * mib,
		Processes:         10,
	}
}

func learningCeilings() Ceilings {
	return Ceilings{
		StackBytes:        8 * mib,
		OpenFiles:         256,
		AddressSpaceBytes: 512 * mib,
		Processes:         64,
	}
}

func (c Ceilings) String() string {
	var sb strings.Builder
	sb.WriteString("Ceilings[")
	fmt.Fprintf(&sb, "Stack:%s,", humanize.IBytes(c.StackBytes))
	fmt.Fprintf(&sb, "NoFile:%d,", c.OpenFiles)
	fmt.Fprintf(&sb, "AddressSpace:%s,", humanize.IBytes(c.AddressSpaceBytes))
	fmt.Fprintf(&sb, "NProc:%d", c.Processes)
	sb.WriteString("]")
	return sb.String()
}

// tighten returns the value to install for a resource whose current hard
// limit is currentMax: never above the ceiling, never above what is
// already in force.
func tighten(ceiling, currentMax uint64) uint64 {
	if currentMax < ceiling {
		return currentMax
	}
	return ceiling
}
