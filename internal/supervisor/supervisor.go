// Package supervisor drives one sandboxed run from spawn to the finalized
// telemetry record.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/clock"
	"github.com/bpicori/watchkeep/internal/policy"
	"github.com/bpicori/watchkeep/internal/procstat"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 100 * time.Millisecond

// UnknownSyscall is reported when a violation happened but no audit record
// could be read.
const UnknownSyscall = "unknown"

// ErrStore wraps failures to persist a finalized record.
var ErrStore = errors.New("store telemetry")

// State is the supervisor's lifecycle phase.
type State int

const (
	Preparing State = iota
	Spawned
	Monitoring
	Finalized
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Spawned:
		return "spawned"
	case Monitoring:
		return "monitoring"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config wires a Supervisor. Spawner and Accountant are required.
type Config struct {
	Spawner    Spawner
	Accountant Accountant
	Clock      clock.Clock
	Logger     *zap.Logger

	Interval   time.Duration
	Capacity   int
	ClockTicks int64

	// NewCompanion creates the per-run cgroup. Nil disables it.
	NewCompanion func(runID string) (Companion, error)
	// OpenInspector opens the audit source before spawn. Nil disables
	// blocked-syscall inference.
	OpenInspector func() (Inspector, error)
	Sink          Sink

	// OnState observes transitions.
	OnState func(State)
}

// Supervisor runs launches one at a time.
type Supervisor struct {
	cfg Config
}

// Outcome is a finalized run.
type Outcome struct {
	Record *telemetry.Record
	// Path is where the Sink stored the record, if any.
	Path string
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Spawner == nil {
		return nil, errors.New("supervisor: spawner is required")
	}
	if cfg.Accountant == nil {
		return nil, errors.New("supervisor: accountant is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = telemetry.DefaultCapacity
	}
	if cfg.ClockTicks <= 0 {
		cfg.ClockTicks = procstat.DefaultClockTicks
	}
	return &Supervisor{cfg: cfg}, nil
}

// aggregate carries running peaks and the last cumulative counters.
type aggregate struct {
	ticks       uint64
	peakKB      uint64
	peakCPU     float64
	minorFaults uint64
	majorFaults uint64

	prevTicks uint64
	prevAt    time.Time
}

// Run launches spec and supervises it to completion. A launch failure
// returns an error and no outcome. Cancelling ctx kills the child; the run
// is still finalized.
func (s *Supervisor) Run(ctx context.Context, spec profile.LaunchSpec) (*Outcome, error) {
	log := s.cfg.Logger
	s.transition(Preparing)

	rec := &telemetry.Record{
		RunID:   telemetry.NewRunID(),
		Program: spec.Program(),
		Profile: spec.Profile.String(),
	}
	log = log.With(zap.String("run_id", rec.RunID), zap.String("program", rec.Program))

	companion := s.openCompanion(rec.RunID, log)
	if companion != nil {
		defer func() {
			if err := companion.Close(); err != nil {
				log.Debug("cgroup cleanup failed", zap.Error(err))
			}
		}()
	}
	inspector := s.openInspector(log)
	if inspector != nil {
		defer inspector.Close()
	}

	start := s.cfg.Clock.Now()
	rec.StartedAt = start.UTC().Truncate(time.Millisecond)

	proc, err := s.cfg.Spawner.Spawn(ctx, SpawnRequest{RunID: rec.RunID, Spec: spec, Companion: companion})
	if err != nil {
		return nil, err
	}
	s.transition(Spawned)
	rec.PID = proc.Pid()
	log = log.With(zap.Int("pid", rec.PID))

	setup, err := proc.AwaitSetup(ctx)
	if err != nil {
		_ = proc.Kill()
		_, _ = proc.Wait()
		return nil, err
	}
	rec.Isolation = string(setup.Level)
	rec.WritableMounts = setup.Writable
	if setup.Level.Degraded() {
		log.Warn("running with degraded isolation",
			zap.String("isolation", rec.Isolation), zap.Strings("writable", setup.Writable))
	}

	s.transition(Monitoring)
	series := telemetry.NewSeries(s.cfg.Capacity)
	// The first sample's CPU delta starts where the helper left off.
	agg := &aggregate{prevAt: start, prevTicks: s.ticks(setup.Baseline.CPUTime)}
	s.monitor(ctx, proc, companion, start, series, agg, log)

	exit, err := proc.Wait()
	end := s.cfg.Clock.Now()
	if err != nil {
		return nil, fmt.Errorf("reap child %d: %w", rec.PID, err)
	}
	s.transition(Finalized)

	s.finalize(rec, spec, setup, exit, end.Sub(start), series, agg, companion, inspector, log)

	out := &Outcome{Record: rec}
	if s.cfg.Sink != nil {
		path, err := s.cfg.Sink.Save(rec)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrStore, err)
		}
		out.Path = path
	}
	return out, nil
}

func (s *Supervisor) monitor(ctx context.Context, proc Process, companion Companion, start time.Time, series *telemetry.Series, agg *aggregate, log *zap.Logger) {
	ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	cancelled := ctx.Done()
	for {
		select {
		case <-cancelled:
			log.Info("cancelled, killing child")
			if err := proc.Kill(); err != nil {
				log.Debug("kill failed", zap.Error(err))
			}
			// Descendants the target forked live in the same cgroup.
			if companion != nil {
				if err := companion.Kill(); err != nil {
					log.Debug("cgroup kill failed", zap.Error(err))
				}
			}
			cancelled = nil
		case <-ticker.C:
			exited, err := proc.Poll()
			if err != nil {
				log.Warn("poll failed, reaping", zap.Error(err))
				return
			}
			if exited {
				return
			}
			s.sample(proc.Pid(), start, series, agg, log)
		}
	}
}

func (s *Supervisor) sample(pid int, start time.Time, series *telemetry.Series, agg *aggregate, log *zap.Logger) {
	usage, err := s.cfg.Accountant.Snapshot(pid)
	if err != nil {
		log.Debug("sample skipped", zap.Error(err))
		return
	}
	now := s.cfg.Clock.Now()

	var cpu float64
	if dt := now.Sub(agg.prevAt).Seconds(); dt > 0 && usage.CPUTicks >= agg.prevTicks {
		cpu = float64(usage.CPUTicks-agg.prevTicks) / float64(s.cfg.ClockTicks) / dt * 100
	}
	agg.prevTicks = usage.CPUTicks
	agg.prevAt = now

	agg.ticks = max(agg.ticks, usage.CPUTicks)
	agg.peakKB = max(agg.peakKB, usage.PeakRSSKB, usage.RSSKB)
	agg.peakCPU = max(agg.peakCPU, cpu)
	agg.minorFaults = max(agg.minorFaults, usage.MinorFaults)
	agg.majorFaults = max(agg.majorFaults, usage.MajorFaults)

	series.Append(telemetry.Sample{
		TimeMS:     now.Sub(start).Milliseconds(),
		CPUPercent: cpu,
		MemoryKB:   usage.RSSKB,
	})
}

// finalize fills rec from the samples and the reaped child's rusage. Both
// count from the helper's start, so the helper's own setup cost is taken
// off before anything is recorded.
func (s *Supervisor) finalize(rec *telemetry.Record, spec profile.LaunchSpec, setup Setup, exit Exit, wall time.Duration,
	series *telemetry.Series, agg *aggregate, companion Companion, inspector Inspector, log *zap.Logger) {
	if wall < 0 {
		wall = 0
	}
	rec.RuntimeMS = wall.Milliseconds()

	base := setup.Baseline
	total := ResourceUsage{
		CPUTime:     max(exit.Usage.CPUTime, s.duration(agg.ticks)),
		MinorFaults: max(exit.Usage.MinorFaults, agg.minorFaults),
		MajorFaults: max(exit.Usage.MajorFaults, agg.majorFaults),
	}
	used := total.since(base)

	clk := s.cfg.ClockTicks
	if secs := wall.Seconds(); secs > 0 {
		rec.CPUUsagePercent = float64(s.ticks(used.CPUTime)) / float64(clk) / secs * 100
	}
	rec.PeakCPUPercent = agg.peakCPU
	rec.PageFaultsMinor = used.MinorFaults
	rec.PageFaultsMajor = used.MajorFaults

	// VmHWM restarts with the target's address space, but ru_maxrss carries
	// the helper's peak across execve. It only speaks for the target once
	// it has grown past that.
	rec.MemoryPeakKB = agg.peakKB
	if exit.Usage.MaxRSSKB > base.MaxRSSKB {
		rec.MemoryPeakKB = max(rec.MemoryPeakKB, exit.Usage.MaxRSSKB)
	}

	if companion != nil {
		rec.MemoryPeakKB = max(rec.MemoryPeakKB, companion.PeakMemoryKB())
		oom := companion.OOMKilled()
		rec.OOMKilled = &oom
	}

	rec.ExitReason, rec.TerminationSig = telemetry.Classify(exit.Disposition)
	if exit.Exited {
		code := exit.Code
		rec.ExitCode = &code
	}

	if rec.Violated() || spec.Profile == profile.Learning {
		findings, err := s.inspect(inspector, rec.PID)
		if err != nil {
			log.Debug("audit log unavailable", zap.Error(err))
		}
		if rec.Violated() {
			rec.BlockedSyscall = findings.Blocked
			if rec.BlockedSyscall == "" {
				rec.BlockedSyscall = UnknownSyscall
			}
		}
		if spec.Profile == profile.Learning {
			rec.ObservedSyscalls = findings.Observed
		}
	}

	rec.Samples = series.Samples()
	rec.SamplesDropped = series.Dropped()

	log.Info("run finalized",
		zap.String("exit_reason", rec.ExitReason),
		zap.Int64("runtime_ms", rec.RuntimeMS),
		zap.Uint64("memory_peak_kb", rec.MemoryPeakKB),
		zap.Int("samples", len(rec.Samples)),
	)
}

func (s *Supervisor) ticks(d time.Duration) uint64 {
	return uint64(d * time.Duration(s.cfg.ClockTicks) / time.Second)
}

func (s *Supervisor) duration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(s.cfg.ClockTicks)
}

func (s *Supervisor) inspect(inspector Inspector, pid int) (findings policy.Findings, err error) {
	if inspector == nil {
		return findings, errors.New("no audit source")
	}
	return inspector.Inspect(pid)
}

func (s *Supervisor) openCompanion(runID string, log *zap.Logger) Companion {
	if s.cfg.NewCompanion == nil {
		return nil
	}
	c, err := s.cfg.NewCompanion(runID)
	if err != nil {
		log.Warn("cgroup unavailable, continuing without it", zap.Error(err))
		return nil
	}
	return c
}

func (s *Supervisor) openInspector(log *zap.Logger) Inspector {
	if s.cfg.OpenInspector == nil {
		return nil
	}
	in, err := s.cfg.OpenInspector()
	if err != nil {
		log.Debug("kernel audit log unavailable", zap.Error(err))
		return nil
	}
	return in
}

func (s *Supervisor) transition(st State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}
