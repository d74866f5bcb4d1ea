// Package watchkeep launches programs in a syscall-filtered, namespaced,
// resource-limited sandbox and returns their telemetry.
package watchkeep

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/cgroup"
	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/procstat"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/sandbox"
	"github.com/bpicori/watchkeep/internal/supervisor"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

// HelperVerb is the hidden first argument under which a binary must call
// RunHelper.
const HelperVerb = sandbox.HelperVerb

var (
	// ErrInvalidRequest wraps problems with the request itself; no process
	// was started.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrLaunch matches any failure to bring the sandbox up.
	ErrLaunch = sandbox.ErrLaunch
	// ErrStore means the run finished but its record could not be saved.
	ErrStore = supervisor.ErrStore
)

// RunHelper is the sandbox helper entry point. The caller must exit with the
// returned code immediately.
func RunHelper() int {
	return sandbox.RunHelper()
}

// Run validates req, launches it and supervises it to completion. The
// result is returned alongside ErrStore when only storage failed.
func Run(ctx context.Context, req RunRequest, rio RunIO) (RunResult, error) {
	spec, err := launchSpec(req)
	if err != nil {
		return RunResult{}, err
	}

	log := rio.Logger
	if log == nil {
		log = zap.NewNop()
	}

	accountant, err := procstat.New(req.ProcRoot)
	if err != nil {
		return RunResult{}, err
	}

	cfg := supervisor.Config{
		Spawner: &sandbox.Spawner{
			Executable: rio.HelperBinaryPath,
			Isolation: isolation.Options{
				Hostname:         req.Hostname,
				UserNamespace:    req.UserNamespace,
				LandlockFallback: req.LandlockFallback,
			},
			Stdin:  rio.Stdin,
			Stdout: rio.Stdout,
			Stderr: rio.Stderr,
			Env:    rio.Env,
			Logger: log.Named("sandbox"),
		},
		Accountant: accountant,
		Logger:     log.Named("supervisor"),
		Interval:   req.SampleInterval,
		Capacity:   req.MaxSamples,
		ClockTicks: procstat.ClockTicks(),
	}
	if req.TelemetryDir != "" {
		cfg.Sink = telemetry.NewStore(req.TelemetryDir, req.Compress)
	}
	if req.KernelLog {
		cfg.OpenInspector = openKernelLog
	}
	if lim := req.Cgroup; lim != nil {
		cfg.NewCompanion = func(runID string) (supervisor.Companion, error) {
			g, err := cgroup.New(lim.Parent, runID, cgroup.Limits{
				MemoryBytes: lim.MemoryMax,
				Pids:        lim.PidsMax,
				CPUQuota:    lim.CPUMax,
			})
			if err != nil {
				return nil, err
			}
			return g, nil
		}
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return RunResult{}, err
	}
	out, err := sup.Run(ctx, spec)
	if out == nil {
		return RunResult{}, err
	}
	return RunResult{Record: out.Record, Path: out.Path}, err
}

func launchSpec(req RunRequest) (profile.LaunchSpec, error) {
	if len(req.Command) == 0 {
		return profile.LaunchSpec{}, fmt.Errorf("%w: no command specified", ErrInvalidRequest)
	}
	p := profile.Strict
	if req.Profile != "" {
		parsed, err := profile.Parse(req.Profile)
		if err != nil {
			return profile.LaunchSpec{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		p = parsed
	}
	spec, err := profile.NewLaunchSpec(req.Command[0], req.Command[1:], p)
	if err != nil {
		return profile.LaunchSpec{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return spec, nil
}
