package telemetry

import (
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// Disposition is how the target process ended.
type Disposition struct {
	Exited bool
	Code   int
	Signal syscall.Signal
}

// Classify maps a disposition to the exit-reason tag and the termination
// signal name (empty for a normal exit).
func Classify(d Disposition) (reason string, signal string) {
	if d.Exited {
		return ExitedReason(d.Code), ""
	}

	signal = SignalName(d.Signal)
	switch d.Signal {
	case unix.SIGSYS:
		return ReasonSecurityViolation, signal
	case unix.SIGKILL:
		return ReasonKilledByOS, signal
	default:
		return ReasonSignaled, signal
	}
}

// SignalName returns the conventional name, e.g. "SIGSYS".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return "SIG" + strconv.Itoa(int(sig))
}
