//go:build linux

package policy

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/bpicori/watchkeep/internal/profile"
)

const seccompSetModeFilter = 1

// ErrUnsupported is returned when the kernel cannot load seccomp filters.
var ErrUnsupported = errors.New("seccomp unavailable on this kernel")

// Program is an assembled seccomp filter waiting to be loaded.
type Program struct {
	filter []unix.SockFilter
	fprog  unix.SockFprog
}

// Prepare assembles the filter of p. All allocation happens here so that
// Load can run after the address-space limit is already in force.
func Prepare(p profile.SandboxProfile) (*Program, error) {
	policy, err := For(p).Policy()
	if err != nil {
		return nil, err
	}
	insns, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("assemble seccomp policy: %w", err)
	}
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return nil, fmt.Errorf("assemble bpf: %w", err)
	}
	if len(raw) == 0 || len(raw) > 0xffff {
		return nil, fmt.Errorf("seccomp program has %d instructions", len(raw))
	}

	prog := &Program{filter: make([]unix.SockFilter, len(raw))}
	for i, ins := range raw {
		prog.filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog.fprog = unix.SockFprog{Len: uint16(len(prog.filter)), Filter: &prog.filter[0]}
	return prog, nil
}

// Len is the number of BPF instructions.
func (p *Program) Len() int { return len(p.filter) }

// Load sets no_new_privs and installs the program on the calling thread.
// It is irreversible and survives execve.
//
// The filter is thread-scoped: callers pin their goroutine with
// runtime.LockOSThread and exec from that same thread, so the exec'd image
// inherits the filter while the other runtime threads are discarded.
func (p *Program) Load() error {
	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return fmt.Errorf("set no_new_privs: %w", errno)
	}
	_, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, seccompSetModeFilter, 0, uintptr(unsafe.Pointer(&p.fprog)))
	switch errno {
	case 0:
		return nil
	case unix.ENOSYS, unix.EINVAL:
		return fmt.Errorf("%w (%w)", ErrUnsupported, errno)
	default:
		return fmt.Errorf("load seccomp filter: %w", errno)
	}
}
