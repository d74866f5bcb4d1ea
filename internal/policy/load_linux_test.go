//go:build linux

package policy

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/bpicori/watchkeep/internal/profile"
)

const (
	loadVerb = "policy-load-strict"
	// exit status of the child when the kernel has no seccomp.
	exitUnsupported = 4
)

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == loadVerb {
		os.Exit(loadStrictAndMisbehave())
	}
	os.Exit(m.Run())
}

// loadStrictAndMisbehave installs the Strict filter, proves a whitelisted
// write still works, then makes a call Strict does not allow.
func loadStrictAndMisbehave() int {
	runtime.LockOSThread()
	prog, err := Prepare(profile.Strict)
	if err != nil {
		return 3
	}
	msg := []byte("alive\n")
	if err := prog.Load(); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return exitUnsupported
		}
		return 3
	}
	_, _, _ = unix.RawSyscall(unix.SYS_WRITE, 1, uintptr(unsafe.Pointer(&msg[0])), uintptr(len(msg)))
	_, _, _ = unix.RawSyscall(unix.SYS_SOCKET, unix.AF_INET, unix.SOCK_STREAM, 0)
	// Only reached if the filter let socket through.
	_, _, _ = unix.RawSyscall(unix.SYS_EXIT_GROUP, 0, 0, 0)
	return 0
}

func TestLoadKillsOnForbiddenSyscall(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	cmd := exec.Command(exe, loadVerb)
	var stdout strings.Builder
	cmd.Stdout = &stdout
	err = cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("child should not exit cleanly: %v (stdout %q)", err, stdout.String())
	}
	ws := exitErr.Sys().(syscall.WaitStatus)
	if ws.Exited() && ws.ExitStatus() == exitUnsupported {
		t.Skip("seccomp filters unsupported by this kernel")
	}
	if !ws.Signaled() || ws.Signal() != unix.SIGSYS {
		t.Fatalf("child status = %v, want killed by SIGSYS", ws)
	}
	if stdout.String() != "alive\n" {
		t.Fatalf("whitelisted write did not get through, stdout %q", stdout.String())
	}
}
