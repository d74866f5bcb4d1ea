package policy

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-seccomp-bpf/arch"
)

var (
	archOnce    sync.Once
	archErr     error
	archNames   map[int]string
	archNumbers map[string]int
)

func loadArch() error {
	archOnce.Do(func() {
		info, err := arch.GetInfo("")
		if err != nil {
			archErr = err
			return
		}
		archNames = info.SyscallNumbers
		archNumbers = make(map[string]int, len(archNames))
		for nr, name := range archNames {
			archNumbers[name] = nr
		}
	})
	return archErr
}

// SyscallName maps a syscall number of the running architecture to its name.
func SyscallName(nr int) (string, bool) {
	if loadArch() != nil {
		return "", false
	}
	name, ok := archNames[nr]
	return name, ok
}

// Policy assembles w into a default-kill seccomp policy for the running
// architecture. Names the architecture does not have are skipped.
func (w Whitelist) Policy() (seccomp.Policy, error) {
	if err := loadArch(); err != nil {
		return seccomp.Policy{}, fmt.Errorf("syscall table: %w", err)
	}

	allow := supported(w.Allow)
	if len(allow) == 0 {
		return seccomp.Policy{}, fmt.Errorf("whitelist has no syscalls known to %s", runtime.GOARCH)
	}

	policy := seccomp.Policy{
		DefaultAction: seccomp.ActionKillProcess,
		Syscalls: []seccomp.SyscallGroup{
			{Names: allow, Action: seccomp.ActionAllow},
		},
	}
	if observe := supported(w.Observe); len(observe) > 0 {
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Names:  observe,
			Action: seccomp.ActionLog,
		})
	}
	return policy, nil
}

func supported(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := archNumbers[name]; !ok {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
