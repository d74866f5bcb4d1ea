package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/config"
	"github.com/bpicori/watchkeep/internal/sandbox"
	"github.com/bpicori/watchkeep/pkg/watchkeep"
)

// runFlags holds the raw values parsed from the "run" subcommand flags.
type runFlags struct {
	common         commonFlags
	profile        string
	telemetryDir   string
	compress       bool
	sampleInterval time.Duration
	maxSamples     int
	cgroup         bool
	printRecord    bool
	command        []string

	fs    *pflag.FlagSet
	usage func()
}

// parseRunFlags parses CLI arguments for the "run" subcommand. A nil result
// carries the exit code to return.
func parseRunFlags(args []string, stderr io.Writer) (*runFlags, int) {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	// Flags after the target path belong to the target.
	fs.SetInterspersed(false)

	f := &runFlags{fs: fs}
	f.common.register(fs)
	fs.StringVarP(&f.profile, "profile", "p", "", "Sandbox profile: strict, resource-aware or learning (default strict)")
	fs.StringVar(&f.telemetryDir, "telemetry-dir", "", "Directory receiving the telemetry record (default logs)")
	fs.BoolVar(&f.compress, "compress", false, "Store the record zstd-compressed")
	fs.DurationVar(&f.sampleInterval, "sample-interval", 0, "Sampling period of the monitoring loop (default 100ms)")
	fs.IntVar(&f.maxSamples, "max-samples", 0, "Maximum samples kept per run (default 1000)")
	fs.BoolVar(&f.cgroup, "cgroup", false, "Place the run in its own cgroup v2 group")
	fs.BoolVar(&f.printRecord, "print-record", false, "Print the full telemetry record as JSON to stderr")

	f.usage = usageFunc(fs, stderr,
		"watchkeep run [options] [--] <path> [args...]",
		"Run a program inside the sandbox and record its telemetry.",
		"watchkeep run -- /bin/ls -la",
		"watchkeep run --profile resource-aware ./worker --jobs 2",
		"watchkeep run --profile learning --print-record -- python3 agent.py",
		"watchkeep run --config ./watchkeep.yaml --compress -- ./a.out",
	)
	fs.Usage = f.usage

	if code := parseFlags(fs, args, stderr); code >= 0 {
		return nil, code
	}
	f.command = fs.Args()
	return f, 0
}

// overrides collects the flags that were explicitly set.
func (f *runFlags) overrides() config.Overrides {
	var o config.Overrides
	f.common.overrides(f.fs, &o)
	if f.fs.Changed("profile") {
		o.Profile = &f.profile
	}
	if f.fs.Changed("telemetry-dir") {
		o.TelemetryDir = &f.telemetryDir
	}
	if f.fs.Changed("compress") {
		o.Compress = &f.compress
	}
	if f.fs.Changed("sample-interval") {
		o.SampleInterval = &f.sampleInterval
	}
	if f.fs.Changed("max-samples") {
		o.MaxSamples = &f.maxSamples
	}
	if f.fs.Changed("cgroup") {
		o.Cgroup = &f.cgroup
	}
	return o
}

// buildRequest constructs a watchkeep run request from resolved options.
func buildRequest(cfg config.Config, command []string) watchkeep.RunRequest {
	req := watchkeep.RunRequest{
		Command:          append([]string{}, command...),
		Profile:          cfg.Sandbox.Profile,
		TelemetryDir:     cfg.Telemetry.Dir,
		Compress:         cfg.Telemetry.Compress,
		SampleInterval:   cfg.Telemetry.SampleInterval.Std(),
		MaxSamples:       cfg.Telemetry.MaxSamples,
		ProcRoot:         cfg.Telemetry.ProcRoot,
		Hostname:         cfg.Sandbox.Hostname,
		UserNamespace:    cfg.Sandbox.UserNamespace,
		LandlockFallback: cfg.Sandbox.LandlockFallback,
		KernelLog:        cfg.Sandbox.KernelLog,
	}
	if cfg.Cgroup.Enabled {
		req.Cgroup = &watchkeep.CgroupLimits{
			Parent:    cfg.Cgroup.Parent,
			MemoryMax: uint64(cfg.Cgroup.MemoryMax),
			PidsMax:   cfg.Cgroup.PidsMax,
			CPUMax:    cfg.Cgroup.CPUMax,
		}
	}
	return req
}

// exitCode maps a run error to the launcher's exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, watchkeep.ErrInvalidRequest):
		return 2
	default:
		return 1
	}
}

// RunCmd executes the "run" subcommand which runs a program inside
// the sandbox.
func RunCmd(args []string) int {
	f, code := parseRunFlags(args, os.Stderr)
	if f == nil {
		return code
	}
	if len(f.command) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no program specified\n\n")
		f.usage()
		return 2
	}

	cfg, err := resolveConfig(f.common.configPath, f.overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := watchkeep.Run(ctx, buildRequest(cfg, f.command), watchkeep.RunIO{
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: log,
	})
	if res.Record != nil {
		if f.printRecord {
			printRecord(os.Stderr, res.Record)
		} else {
			printSummary(os.Stderr, res)
		}
	}
	if err != nil {
		var le *sandbox.LaunchError
		if errors.As(err, &le) {
			log.Error("launch failed", zap.String("stage", string(le.Stage)), zap.Error(le.Err))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func printSummary(w io.Writer, res watchkeep.RunResult) {
	r := res.Record
	fmt.Fprintf(w, "watchkeep: %s %s [%s] %s in %dms, cpu %.1f%%, peak memory %s",
		r.ShortID(), r.Program, r.Profile, r.ExitReason, r.RuntimeMS,
		r.CPUUsagePercent, humanize.IBytes(r.MemoryPeakKB*1024))
	if r.BlockedSyscall != "" {
		fmt.Fprintf(w, ", blocked %s", r.BlockedSyscall)
	}
	if r.Isolation != "" && r.Isolation != "full" {
		fmt.Fprintf(w, ", isolation %s", r.Isolation)
	}
	fmt.Fprintln(w)
	if res.Path != "" {
		fmt.Fprintf(w, "watchkeep: telemetry written to %s\n", res.Path)
	}
}

func printRecord(w io.Writer, r *watchkeep.Record) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(r)
}
