package watchkeep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bpicori/watchkeep/internal/profile"
)

func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == HelperVerb {
		os.Exit(RunHelper())
	}
	os.Exit(m.Run())
}

func TestLaunchSpec(t *testing.T) {
	spec, err := launchSpec(RunRequest{Command: []string{"/bin/sh", "-c", "exit 0"}, Profile: "learning"})
	if err != nil {
		t.Fatalf("launchSpec: %v", err)
	}
	if spec.Profile != profile.Learning {
		t.Fatalf("profile = %v", spec.Profile)
	}
	if len(spec.Args) != 3 || spec.Args[0] != spec.Path {
		t.Fatalf("args = %#v", spec.Args)
	}

	spec, err = launchSpec(RunRequest{Command: []string{"/bin/sh"}})
	if err != nil {
		t.Fatalf("launchSpec: %v", err)
	}
	if spec.Profile != profile.Strict {
		t.Fatalf("empty profile should mean strict, got %v", spec.Profile)
	}
}

func TestRunRejectsInvalidRequests(t *testing.T) {
	notExec := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(notExec, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := map[string]RunRequest{
		"no command":      {},
		"unknown profile": {Command: []string{"/bin/sh"}, Profile: "permissive"},
		"not executable":  {Command: []string{notExec}},
		"missing":         {Command: []string{filepath.Join(t.TempDir(), "nope")}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Run(context.Background(), req, RunIO{})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if errors.Is(err, ErrLaunch) {
				t.Fatal("a usage error must not look like a launch failure")
			}
		})
	}
}
