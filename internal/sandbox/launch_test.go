package sandbox

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bpicori/watchkeep/internal/codec"
	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

func TestLaunchErrorMatching(t *testing.T) {
	cause := errors.New("operation not permitted")
	var err error = fmt.Errorf("run: %w", launchErr(StageNamespace, cause))

	if !errors.Is(err, ErrLaunch) {
		t.Fatal("launch error does not match ErrLaunch")
	}
	if !errors.Is(err, cause) {
		t.Fatal("launch error does not unwrap to its cause")
	}
	var le *LaunchError
	if !errors.As(err, &le) || le.Stage != StageNamespace {
		t.Fatalf("errors.As = %v", le)
	}
	if !strings.Contains(err.Error(), "namespace stage") {
		t.Fatalf("message %q lacks the stage", err)
	}
	if errors.Is(cause, ErrLaunch) {
		t.Fatal("plain errors must not match ErrLaunch")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := Payload{
		Spec: profile.LaunchSpec{
			Path:    "/usr/bin/env",
			Args:    []string{"/usr/bin/env", "-i"},
			Profile: profile.ResourceAware,
		},
		Isolation: isolation.Options{Hostname: "sandbox", UserNamespace: true, LandlockFallback: true},
	}
	encoded, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	out, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if out.Spec.Path != in.Spec.Path || !slices.Equal(out.Spec.Args, in.Spec.Args) ||
		out.Spec.Profile != in.Spec.Profile || out.Isolation != in.Isolation {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecodePayloadRejects(t *testing.T) {
	mismatched, err := EncodePayload(Payload{Spec: profile.LaunchSpec{Path: "/bin/true", Args: []string{"/bin/false"}}})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	for name, value := range map[string]string{
		"empty":    "",
		"garbage":  "%%%",
		"argv0":    mismatched,
		"not cbor": "aGVsbG8=",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodePayload(value); err == nil {
				t.Fatalf("expected error for %q", value)
			}
		})
	}
}

func encodeReports(t *testing.T, reports ...Report) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	for _, r := range reports {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	return &buf
}

func TestReadReportsReady(t *testing.T) {
	baseline := supervisor.ResourceUsage{CPUTime: 12 * time.Millisecond, MaxRSSKB: 9000, MinorFaults: 800, MajorFaults: 2}
	buf := encodeReports(t, Report{
		Stage:    StagePolicy,
		Ready:    true,
		Level:    isolation.LevelPartial,
		Writable: []string{"/tmp", "/home"},
		Baseline: baseline,
	})
	setup, err := readReports(buf)
	if err != nil {
		t.Fatalf("readReports: %v", err)
	}
	if setup.Level != isolation.LevelPartial {
		t.Fatalf("level = %q", setup.Level)
	}
	if !slices.Equal(setup.Writable, []string{"/tmp", "/home"}) {
		t.Fatalf("writable = %v", setup.Writable)
	}
	if setup.Baseline != baseline {
		t.Fatalf("baseline = %+v, want %+v", setup.Baseline, baseline)
	}
}

func TestReadReportsFailures(t *testing.T) {
	cases := map[string]struct {
		input *bytes.Buffer
		stage Stage
	}{
		"stage failure": {
			encodeReports(t, Report{Stage: StageMount, Error: "EPERM"}),
			StageMount,
		},
		"failure after ready": {
			encodeReports(t, Report{Stage: StagePolicy, Ready: true, Level: isolation.LevelFull}, Report{Stage: StagePolicy, Error: "EINVAL"}),
			StagePolicy,
		},
		"exit without ready": {
			&bytes.Buffer{},
			StageProtocol,
		},
		"corrupt stream": {
			bytes.NewBuffer([]byte{0xff, 0x00, 0x13}),
			StageProtocol,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := readReports(tc.input)
			var le *LaunchError
			if !errors.As(err, &le) {
				t.Fatalf("expected *LaunchError, got %v", err)
			}
			if le.Stage != tc.stage {
				t.Fatalf("stage = %s, want %s", le.Stage, tc.stage)
			}
		})
	}
}

func TestStripEnv(t *testing.T) {
	env := []string{"PATH=/bin", PayloadEnv + "=abc", "HOME=/root", PayloadEnv + "X=keep"}
	got := stripEnv(env, PayloadEnv)
	want := []string{"PATH=/bin", "HOME=/root", PayloadEnv + "X=keep"}
	if !slices.Equal(got, want) {
		t.Fatalf("stripEnv = %v, want %v", got, want)
	}
}

func TestSpawnerEnvironment(t *testing.T) {
	s := &Spawner{Env: []string{"A=1", PayloadEnv + "=stale"}}
	if got := s.environ(); !slices.Equal(got, []string{"A=1"}) {
		t.Fatalf("environ = %v", got)
	}
	if exe, err := (&Spawner{Executable: "/opt/watchkeep"}).executable(); err != nil || exe != "/opt/watchkeep" {
		t.Fatalf("executable = %q, %v", exe, err)
	}
}
