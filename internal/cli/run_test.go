package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bpicori/watchkeep/internal/config"
	"github.com/bpicori/watchkeep/internal/sandbox"
	"github.com/bpicori/watchkeep/internal/telemetry"
	"github.com/bpicori/watchkeep/pkg/watchkeep"
)

func TestParseRunFlags_StopsAtTarget(t *testing.T) {
	var stderr bytes.Buffer
	f, code := parseRunFlags([]string{"--profile", "learning", "/bin/ls", "-la", "--profile", "x"}, &stderr)
	if f == nil {
		t.Fatalf("parseRunFlags failed with code %d: %s", code, stderr.String())
	}
	want := []string{"/bin/ls", "-la", "--profile", "x"}
	if strings.Join(f.command, " ") != strings.Join(want, " ") {
		t.Fatalf("command = %#v, want %#v", f.command, want)
	}
	if f.profile != "learning" {
		t.Fatalf("profile = %q", f.profile)
	}
}

func TestParseRunFlags_DoubleDash(t *testing.T) {
	f, _ := parseRunFlags([]string{"--compress", "--", "/bin/echo", "--help"}, &bytes.Buffer{})
	if f == nil {
		t.Fatal("parseRunFlags failed")
	}
	if len(f.command) != 2 || f.command[1] != "--help" {
		t.Fatalf("command = %#v", f.command)
	}
	if !f.compress {
		t.Fatal("expected --compress")
	}
}

func TestParseRunFlags_BadFlagIsUsageError(t *testing.T) {
	var stderr bytes.Buffer
	f, code := parseRunFlags([]string{"--no-such-flag", "/bin/true"}, &stderr)
	if f != nil || code != 2 {
		t.Fatalf("expected usage exit 2, got f=%v code=%d", f, code)
	}
}

func TestParseRunFlags_Help(t *testing.T) {
	var stderr bytes.Buffer
	f, code := parseRunFlags([]string{"--help"}, &stderr)
	if f != nil || code != 0 {
		t.Fatalf("expected help exit 0, got f=%v code=%d", f, code)
	}
	if !strings.Contains(stderr.String(), "watchkeep run [options]") {
		t.Fatalf("usage not printed: %s", stderr.String())
	}
}

func TestResolveConfig_MergesFileAndCLIOverrides(t *testing.T) {
	cfgPath := writeTempConfig(t, `
sandbox:
  profile: learning
telemetry:
  dir: /var/log/watchkeep
  sample_interval: 250ms
  compress: true
`)

	f, _ := parseRunFlags([]string{
		"--config", cfgPath,
		"--profile", "resource-aware",
		"--max-samples", "10",
		"--", "/bin/true",
	}, &bytes.Buffer{})
	if f == nil {
		t.Fatal("parseRunFlags failed")
	}

	cfg, err := resolveConfig(f.common.configPath, f.overrides())
	if err != nil {
		t.Fatalf("resolveConfig returned error: %v", err)
	}
	if cfg.Sandbox.Profile != "resource-aware" {
		t.Fatalf("expected CLI profile override, got %q", cfg.Sandbox.Profile)
	}
	if cfg.Telemetry.Dir != "/var/log/watchkeep" {
		t.Fatalf("expected dir from file, got %q", cfg.Telemetry.Dir)
	}
	if cfg.Telemetry.SampleInterval.Std() != 250*time.Millisecond {
		t.Fatalf("expected interval from file, got %v", cfg.Telemetry.SampleInterval)
	}
	if !cfg.Telemetry.Compress {
		t.Fatal("unset --compress must not override the file")
	}
	if cfg.Telemetry.MaxSamples != 10 {
		t.Fatalf("max samples = %d", cfg.Telemetry.MaxSamples)
	}
}

func TestResolveConfig_InvalidOverride(t *testing.T) {
	f, _ := parseRunFlags([]string{"--profile", "permissive", "/bin/true"}, &bytes.Buffer{})
	if _, err := resolveConfig("", f.overrides()); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestResolveConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, `: not-valid`)
	if _, err := resolveConfig(cfgPath, config.Overrides{}); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func TestBuildRequest(t *testing.T) {
	cfgPath := writeTempConfig(t, `
cgroup:
  enabled: true
  memory_max: 64MiB
  pids_max: 16
sandbox:
  hostname: box
`)
	cfg, err := resolveConfig(cfgPath, config.Overrides{})
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}

	req := buildRequest(cfg, []string{"/bin/echo", "hi"})
	if req.Hostname != "box" || req.Profile != "strict" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Cgroup == nil || req.Cgroup.MemoryMax != 64<<20 || req.Cgroup.PidsMax != 16 {
		t.Fatalf("cgroup limits = %+v", req.Cgroup)
	}
	if req.SampleInterval != 100*time.Millisecond || req.MaxSamples != telemetry.DefaultCapacity {
		t.Fatalf("sampling defaults = %v / %d", req.SampleInterval, req.MaxSamples)
	}
}

func TestExitCode(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"ok":       {nil, 0},
		"usage":    {fmt.Errorf("%w: no command", watchkeep.ErrInvalidRequest), 2},
		"launch":   {&sandbox.LaunchError{Stage: sandbox.StageNamespace, Err: errors.New("EPERM")}, 1},
		"store":    {fmt.Errorf("%w: disk full", watchkeep.ErrStore), 1},
		"internal": {errors.New("boom"), 1},
	}
	for name, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("%s: exitCode = %d, want %d", name, got, tc.want)
		}
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, watchkeep.RunResult{
		Record: &telemetry.Record{
			RunID: "3f2a9c1e-0000", Program: "forker", Profile: "STRICT", Isolation: "degraded",
			ExitReason: telemetry.ReasonSecurityViolation, BlockedSyscall: "clone",
			RuntimeMS: 12, MemoryPeakKB: 2048,
		},
		Path: "logs/x.json",
	})
	for _, want := range []string{"3f2a9c1e", "SECURITY_VIOLATION", "blocked clone", "isolation degraded", "2.0 MiB", "logs/x.json"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("summary %q missing %q", out.String(), want)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "watchkeep.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
