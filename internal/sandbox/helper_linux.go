//go:build linux

package sandbox

import (
	"errors"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bpicori/watchkeep/internal/codec"
	"github.com/bpicori/watchkeep/internal/governor"
	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/logger"
	"github.com/bpicori/watchkeep/internal/policy"
)

const (
	reportFD = 3
	// HelperExitCode is the helper's status when it never reached the
	// target.
	HelperExitCode = 125
)

// RunHelper is the body of the hidden helper verb: isolation setup,
// resource ceilings, seccomp filter, then execve of the target. It only
// returns when the target could not be started; the caller must pass the
// result straight to os.Exit without running deferred cleanup, because
// the seccomp filter may already be in force.
func RunHelper() int {
	// Never unlocked: this thread ends in execve and carries the filter.
	runtime.LockOSThread()

	log := logger.Helper()
	rep := newReporter(log)

	payload, err := DecodePayload(os.Getenv(PayloadEnv))
	if err != nil {
		return rep.fail(StageProtocol, err)
	}
	spec := payload.Spec

	res, err := isolation.Setup(payload.Isolation, log)
	if err != nil {
		stage := StageMount
		if errors.Is(err, isolation.ErrNotNamespaced) {
			stage = StageNamespace
		}
		return rep.fail(stage, err)
	}
	if res.HostnameErr != nil {
		log.Warn("hostname not set", zap.Error(res.HostnameErr))
	}

	if err := spec.Validate(); err != nil {
		return rep.fail(StageExec, err)
	}

	// Everything that allocates happens before the address-space ceiling.
	prog, err := policy.Prepare(spec.Profile)
	if err != nil {
		return rep.fail(StagePolicy, err)
	}
	env := stripEnv(os.Environ(), PayloadEnv)
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return rep.fail(StageProtocol, err)
	}
	ready, err := codec.Marshal(Report{
		Stage:    StagePolicy,
		Ready:    true,
		Level:    res.Level,
		Writable: res.Writable,
		Baseline: resourceUsage(&ru),
	})
	if err != nil {
		return rep.fail(StageProtocol, err)
	}
	execFailed, err := codec.Marshal(Report{Stage: StageExec, Error: "execve " + spec.Path + " failed"})
	if err != nil {
		return rep.fail(StageProtocol, err)
	}
	argv0, err := syscall.BytePtrFromString(spec.Path)
	if err != nil {
		return rep.fail(StageExec, err)
	}
	argv, err := syscall.SlicePtrFromStrings(spec.Args)
	if err != nil {
		return rep.fail(StageExec, err)
	}
	envv, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return rep.fail(StageExec, err)
	}

	if err := governor.Apply(governor.For(spec.Profile)); err != nil {
		return rep.fail(StageGovernor, err)
	}

	rep.writeRaw(ready)
	if err := prog.Load(); err != nil {
		return rep.fail(StagePolicy, err)
	}

	// From here on only whitelisted syscalls are safe.
	_, _, _ = unix.RawSyscall(unix.SYS_EXECVE,
		uintptr(unsafe.Pointer(argv0)),
		uintptr(unsafe.Pointer(&argv[0])),
		uintptr(unsafe.Pointer(&envv[0])))
	rep.writeRaw(execFailed)
	return HelperExitCode
}

// fdWriter writes straight to a descriptor with no finalizer attached.
type fdWriter int

func (w fdWriter) Write(b []byte) (int, error) {
	return unix.Write(int(w), b)
}

type reporter struct {
	out *codec.Encoder
	ok  bool
	log *zap.Logger
}

func newReporter(log *zap.Logger) *reporter {
	var st unix.Stat_t
	if err := unix.Fstat(reportFD, &st); err != nil {
		log.Warn("setup report channel missing", zap.Error(err))
		return &reporter{log: log}
	}
	// EOF on the launcher's end then means the exec succeeded.
	syscall.CloseOnExec(reportFD)
	return &reporter{out: codec.NewEncoder(fdWriter(reportFD)), ok: true, log: log}
}

func (r *reporter) fail(stage Stage, err error) int {
	r.log.Error("sandbox setup failed", zap.String("stage", string(stage)), zap.Error(err))
	if r.ok {
		_ = r.out.Encode(Report{Stage: stage, Error: err.Error()})
	}
	return HelperExitCode
}

func (r *reporter) writeRaw(b []byte) {
	if r.ok {
		_, _ = unix.Write(reportFD, b)
	}
}
