package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/bpicori/watchkeep/internal/analytics"
	"github.com/bpicori/watchkeep/internal/config"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

type statsFlags struct {
	common       commonFlags
	telemetryDir string
	jsonOut      bool
	top          int
	runID        string

	fs *pflag.FlagSet
}

func parseStatsFlags(args []string, stderr io.Writer) (*statsFlags, int) {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	f := &statsFlags{fs: fs}
	f.common.register(fs)
	fs.StringVar(&f.telemetryDir, "telemetry-dir", "", "Directory holding telemetry records (default logs)")
	fs.BoolVar(&f.jsonOut, "json", false, "Print as JSON")
	fs.IntVar(&f.top, "top", 10, "Number of blocked syscalls to list")
	fs.Usage = usageFunc(fs, stderr,
		"watchkeep stats [options] [run-id]",
		"Summarize stored runs, or show one run and its risk assessment.",
		"watchkeep stats",
		"watchkeep stats --json --telemetry-dir /var/log/watchkeep",
		"watchkeep stats 3f2a9c1e",
	)

	if code := parseFlags(fs, args, stderr); code >= 0 {
		return nil, code
	}
	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		f.runID = rest[0]
	default:
		fmt.Fprintf(stderr, "Error: at most one run id expected\n\n")
		fs.Usage()
		return nil, 2
	}
	return f, 0
}

// StatsCmd executes the "stats" subcommand.
func StatsCmd(args []string) int {
	f, code := parseStatsFlags(args, os.Stderr)
	if f == nil {
		return code
	}

	var o config.Overrides
	f.common.overrides(f.fs, &o)
	if f.fs.Changed("telemetry-dir") {
		o.TelemetryDir = &f.telemetryDir
	}
	cfg, err := resolveConfig(f.common.configPath, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	store := telemetry.NewStore(cfg.Telemetry.Dir, cfg.Telemetry.Compress)

	if f.runID != "" {
		r, err := store.Load(f.runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if f.jsonOut {
			return writeJSON(os.Stdout, runDetail(r))
		}
		printRun(os.Stdout, r)
		return 0
	}

	records, err := store.LoadAll()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	summary := analytics.Summarize(records)
	if f.jsonOut {
		return writeJSON(os.Stdout, summary)
	}
	printSummaryTable(os.Stdout, summary, f.top)
	return 0
}

type detail struct {
	Record           *telemetry.Record    `json:"record"`
	Assessment       analytics.Assessment `json:"assessment"`
	MemoryGrowthRate float64              `json:"memory_growth_rate"`
}

func runDetail(r *telemetry.Record) detail {
	return detail{
		Record:           r,
		Assessment:       analytics.Assess(r),
		MemoryGrowthRate: analytics.MemoryGrowthRate(r.Samples),
	}
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printSummaryTable(w io.Writer, s analytics.Summary, top int) {
	fmt.Fprintf(w, "Total runs:          %d\n", s.TotalRuns)
	if s.TotalRuns == 0 {
		return
	}
	fmt.Fprintf(w, "Security violations: %d\n", s.Violations)
	fmt.Fprintf(w, "Degraded isolation:  %d\n", s.DegradedIsolation)
	fmt.Fprintf(w, "Average runtime:     %.0fms\n", s.AvgRuntimeMS)
	fmt.Fprintf(w, "Average CPU:         %.2f%%\n", s.AvgCPUPercent)
	fmt.Fprintf(w, "Average peak memory: %s\n", humanize.IBytes(uint64(s.AvgMemoryKB*1024)))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\nPROFILE\tRUNS\tAVG CPU\tAVG MEMORY\n")
	for _, name := range slices.Sorted(maps.Keys(s.ByProfile)) {
		p := s.ByProfile[name]
		fmt.Fprintf(tw, "%s\t%d\t%.2f%%\t%s\n", name, p.Count, p.AvgCPU, humanize.IBytes(uint64(p.AvgMemoryKB*1024)))
	}
	fmt.Fprintf(tw, "\nEXIT REASON\tRUNS\n")
	for _, reason := range slices.Sorted(maps.Keys(s.ByExitReason)) {
		fmt.Fprintf(tw, "%s\t%d\n", reason, s.ByExitReason[reason])
	}
	if blocked := analytics.TopSyscalls(s.BlockedSyscalls); len(blocked) > 0 {
		fmt.Fprintf(tw, "\nBLOCKED SYSCALL\tRUNS\n")
		for i, c := range blocked {
			if i == top {
				break
			}
			fmt.Fprintf(tw, "%s\t%d\n", c.Name, c.Count)
		}
	}
	_ = tw.Flush()
}

func printRun(w io.Writer, r *telemetry.Record) {
	d := runDetail(r)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Program:\t%s (pid %d)\n", r.Program, r.PID)
	fmt.Fprintf(tw, "Profile:\t%s\n", r.Profile)
	fmt.Fprintf(tw, "Isolation:\t%s\n", r.Isolation)
	if len(r.WritableMounts) > 0 {
		fmt.Fprintf(tw, "Writable:\t%s\n", strings.Join(r.WritableMounts, ", "))
	}
	fmt.Fprintf(tw, "Started:\t%s\n", r.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(tw, "Exit:\t%s\n", r.ExitReason)
	if r.TerminationSig != "" {
		fmt.Fprintf(tw, "Signal:\t%s\n", r.TerminationSig)
	}
	if r.BlockedSyscall != "" {
		fmt.Fprintf(tw, "Blocked syscall:\t%s\n", r.BlockedSyscall)
	}
	fmt.Fprintf(tw, "Runtime:\t%dms\n", r.RuntimeMS)
	fmt.Fprintf(tw, "CPU:\t%.2f%% (peak %.2f%%)\n", r.CPUUsagePercent, r.PeakCPUPercent)
	fmt.Fprintf(tw, "Peak memory:\t%s\n", humanize.IBytes(r.MemoryPeakKB*1024))
	fmt.Fprintf(tw, "Memory growth:\t%.2f KiB/sample\n", d.MemoryGrowthRate)
	fmt.Fprintf(tw, "Page faults:\t%d minor, %d major\n", r.PageFaultsMinor, r.PageFaultsMajor)
	fmt.Fprintf(tw, "Samples:\t%d (%d dropped)\n", len(r.Samples), r.SamplesDropped)
	if len(r.ObservedSyscalls) > 0 {
		fmt.Fprintf(tw, "Observed syscalls:\t%v\n", r.ObservedSyscalls)
	}
	fmt.Fprintf(tw, "Verdict:\t%s %v\n", d.Assessment.Verdict, d.Assessment.Reasons)
	_ = tw.Flush()
}
