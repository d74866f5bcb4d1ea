package policy

import (
	"sort"
	"strconv"
	"strings"
)

// auditSeccomp is the audit record type the kernel emits for seccomp
// actions that are logged (kill, log).
const auditSeccomp = "type=1326"

const (
	retKillProcess = 0x80000000
	retKillThread  = 0x00000000
	retLog         = 0x7ffc0000
)

// AuditRecord is the part of a seccomp audit line the supervisor uses.
type AuditRecord struct {
	PID     int
	Signal  int
	Syscall int
	Action  uint32
}

// Killed reports whether the record describes a kill action.
func (r AuditRecord) Killed() bool {
	return r.Action == retKillProcess || r.Action == retKillThread
}

// Logged reports whether the record describes an allowed-but-logged call.
func (r AuditRecord) Logged() bool {
	return r.Action == retLog
}

// ParseAuditRecord extracts a seccomp audit record from a kernel log line,
// with or without the /dev/kmsg "prio,seq,ts,flags;" prefix.
func ParseAuditRecord(line string) (AuditRecord, bool) {
	if _, msg, ok := strings.Cut(line, ";"); ok {
		line = msg
	}
	if !strings.Contains(line, auditSeccomp) {
		return AuditRecord{}, false
	}

	var (
		rec                  AuditRecord
		havePID, haveSyscall bool
	)
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			n, err := strconv.Atoi(value)
			if err != nil {
				return AuditRecord{}, false
			}
			rec.PID, havePID = n, true
		case "sig":
			rec.Signal, _ = strconv.Atoi(value)
		case "syscall":
			n, err := strconv.Atoi(value)
			if err != nil {
				return AuditRecord{}, false
			}
			rec.Syscall, haveSyscall = n, true
		case "code":
			n, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 32)
			if err == nil {
				rec.Action = uint32(n)
			}
		}
	}
	if !havePID || !haveSyscall {
		return AuditRecord{}, false
	}
	return rec, true
}

// Findings summarizes the audit records of one process.
type Findings struct {
	// Blocked is the syscall that got the process killed, empty if none
	// was recorded.
	Blocked string
	// Observed lists logged syscalls, sorted and unique.
	Observed []string
}

// Summarize filters records down to pid and names the syscalls involved.
// The last kill record wins.
func Summarize(records []AuditRecord, pid int) Findings {
	var f Findings
	seen := map[string]struct{}{}
	for _, rec := range records {
		if rec.PID != pid {
			continue
		}
		name := syscallLabel(rec.Syscall)
		switch {
		case rec.Killed():
			f.Blocked = name
		case rec.Logged():
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				f.Observed = append(f.Observed, name)
			}
		}
	}
	sort.Strings(f.Observed)
	return f
}

func syscallLabel(nr int) string {
	if name, ok := SyscallName(nr); ok {
		return name
	}
	return "syscall_" + strconv.Itoa(nr)
}
