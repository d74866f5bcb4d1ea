//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

// Spawn starts the helper inside new namespaces with the setup report
// pipe at fd 3. When req carries a cgroup the child is cloned straight into
// it, falling back to attaching it after start on kernels without
// CLONE_INTO_CGROUP.
func (s *Spawner) Spawn(ctx context.Context, req supervisor.SpawnRequest) (supervisor.Process, error) {
	log := s.logger()

	encoded, err := EncodePayload(Payload{Spec: req.Spec, Isolation: s.Isolation})
	if err != nil {
		return nil, launchErr(StageProtocol, fmt.Errorf("encode payload: %w", err))
	}
	exe, err := s.executable()
	if err != nil {
		return nil, launchErr(StageSpawn, fmt.Errorf("resolve executable path: %w", err))
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, launchErr(StageSpawn, fmt.Errorf("create report pipe: %w", err))
	}
	defer reportW.Close()

	var cgroupDir *os.File
	if req.Companion != nil {
		if dir, err := os.Open(req.Companion.Path()); err == nil {
			cgroupDir = dir
			defer cgroupDir.Close()
		}
	}

	cmd := s.command(exe, encoded, reportW, cgroupDir)
	err = cmd.Start()
	if err != nil && cgroupDir != nil {
		log.Debug("clone into cgroup failed, retrying without it", zap.Error(err))
		cgroupDir = nil
		cmd = s.command(exe, encoded, reportW, nil)
		err = cmd.Start()
	}
	if err != nil {
		reportR.Close()
		return nil, launchErr(StageSpawn, fmt.Errorf("start sandbox helper: %w", err))
	}

	if req.Companion != nil && cgroupDir == nil {
		if err := req.Companion.Attach(cmd.Process.Pid); err != nil {
			log.Warn("attach to cgroup failed", zap.Error(err))
		}
	}

	log.Debug("helper started", zap.Int("pid", cmd.Process.Pid), zap.String("run_id", req.RunID))
	return &process{cmd: cmd, reports: reportR}, nil
}

func (s *Spawner) command(exe, payload string, reportW, cgroupDir *os.File) *exec.Cmd {
	cmd := exec.Command(exe, HelperVerb)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.Stdin != nil {
		cmd.Stdin = s.Stdin
	}
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}
	cmd.Env = append(s.environ(), PayloadEnv+"="+payload)
	cmd.ExtraFiles = []*os.File{reportW}
	cmd.SysProcAttr = isolation.SysProcAttr(s.Isolation)
	if cgroupDir != nil {
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cgroupDir.Fd())
	}
	return cmd
}

type process struct {
	cmd     *exec.Cmd
	reports *os.File
}

func (p *process) Pid() int { return p.cmd.Process.Pid }

func (p *process) AwaitSetup(ctx context.Context) (supervisor.Setup, error) {
	type result struct {
		setup supervisor.Setup
		err   error
	}
	done := make(chan result, 1)
	go func() {
		setup, err := readReports(p.reports)
		done <- result{setup, err}
	}()

	select {
	case r := <-done:
		p.reports.Close()
		return r.setup, r.err
	case <-ctx.Done():
		p.reports.Close()
		return supervisor.Setup{}, launchErr(StageProtocol, ctx.Err())
	}
}

// Poll checks for termination with WNOWAIT so the zombie stays
// inspectable until Wait reaps it.
func (p *process) Poll() (bool, error) {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, p.Pid(), &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("waitid %d: %w", p.Pid(), err)
	}
	return info.Signo != 0, nil
}

func (p *process) Wait() (supervisor.Exit, error) {
	err := p.cmd.Wait()
	state := p.cmd.ProcessState
	if state == nil {
		return supervisor.Exit{}, err
	}

	var exit supervisor.Exit
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		switch {
		case ws.Exited():
			exit.Exited = true
			exit.Code = ws.ExitStatus()
		case ws.Signaled():
			exit.Signal = ws.Signal()
		}
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		exit.Usage = resourceUsage(ru)
	}
	return exit, nil
}

func resourceUsage(ru *syscall.Rusage) supervisor.ResourceUsage {
	return supervisor.ResourceUsage{
		CPUTime:     time.Duration(ru.Utime.Nano() + ru.Stime.Nano()),
		MaxRSSKB:    uint64(ru.Maxrss),
		MinorFaults: uint64(ru.Minflt),
		MajorFaults: uint64(ru.Majflt),
	}
}

func (p *process) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
