// Package policy builds the default-deny syscall filters of the sandbox
// profiles and installs them into the kernel.
package policy

import (
	"slices"

	"github.com/bpicori/watchkeep/internal/profile"
)

// Whitelist is the syscall classification of one profile. Anything not
// listed kills the process.
type Whitelist struct {
	// Allow is permitted silently.
	Allow []string
	// Observe is permitted and recorded in the kernel audit log.
	Observe []string
}

// baseline is what a dynamically linked program needs to start, do
// descriptor I/O and exit. Names missing from the running architecture
// (arch_prctl, readlink and access on arm64) are dropped at assembly.
var baseline = []string{
	// image replacement and termination
	"execve", "exit", "exit_group",
	// memory
	"brk", "mmap", "munmap", "mprotect",
	// descriptor I/O
	"read", "write", "writev", "lseek", "close", "fstat", "newfstatat", "pread64",
	// dynamic linker
	"openat", "readlink", "readlinkat", "access", "faccessat", "arch_prctl",
	"set_tid_address", "set_robust_list", "rseq", "prlimit64",
	// randomness
	"getrandom",
	"rt_sigreturn",
}

var introspection = []string{
	"getrusage", "getrlimit", "sysinfo", "times",
	"clock_gettime", "clock_nanosleep", "nanosleep", "gettimeofday",
	"sched_yield", "futex", "getpid", "gettid", "uname",
}

// observed is the classified set a Learning run may use while the kernel
// logs every call.
var observed = []string{
	"clone", "clone3", "fork", "vfork",
	"socket", "connect",
	"ioctl", "pipe2", "dup", "dup3", "fcntl", "getdents64",
	"rt_sigaction", "rt_sigprocmask",
	"mkdirat", "unlinkat", "renameat2",
}

// For returns the whitelist of p. Unknown profiles get the Strict list.
func For(p profile.SandboxProfile) Whitelist {
	switch p {
	case profile.ResourceAware:
		return resourceAwareWhitelist()
	case profile.Learning:
		return learningWhitelist()
	default:
		return strictWhitelist()
	}
}

func strictWhitelist() Whitelist {
	return Whitelist{Allow: slices.Clone(baseline)}
}

func resourceAwareWhitelist() Whitelist {
	return Whitelist{Allow: slices.Concat(baseline, introspection)}
}

func learningWhitelist() Whitelist {
	return Whitelist{
		Allow:   slices.Concat(baseline, introspection),
		Observe: slices.Clone(observed),
	}
}

// Permits reports whether name is allowed, silently or observed.
func (w Whitelist) Permits(name string) bool {
	return slices.Contains(w.Allow, name) || slices.Contains(w.Observe, name)
}
