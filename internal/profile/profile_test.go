package profile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want SandboxProfile
	}{
		{"strict", Strict},
		{"STRICT", Strict},
		{" resource-aware ", ResourceAware},
		{"RESOURCE_AWARE", ResourceAware},
		{"resourceaware", ResourceAware},
		{"Learning", Learning},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("permissive")
	if !errors.Is(err, ErrUnknownProfile) {
		t.Fatalf("expected ErrUnknownProfile, got %v", err)
	}
}

func TestProfileTextRoundTrip(t *testing.T) {
	for _, p := range All() {
		text, err := p.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", p, err)
		}
		var back SandboxProfile
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", text, err)
		}
		if back != p {
			t.Fatalf("round trip %v -> %s -> %v", p, text, back)
		}
	}

	if _, err := SandboxProfile(9).MarshalText(); err == nil {
		t.Fatal("expected error for undeclared profile")
	}
}

func TestNewLaunchSpec_ResolvesAndPrependsPath(t *testing.T) {
	target := writeExecutable(t, "hello", 0o755)

	spec, err := NewLaunchSpec(target, []string{"-n", "7"}, ResourceAware)
	if err != nil {
		t.Fatalf("NewLaunchSpec: %v", err)
	}
	if spec.Args[0] != spec.Path {
		t.Fatalf("argv[0] = %q, want %q", spec.Args[0], spec.Path)
	}
	if len(spec.Args) != 3 || spec.Args[2] != "7" {
		t.Fatalf("unexpected args %#v", spec.Args)
	}
	if spec.Program() != "hello" {
		t.Fatalf("Program() = %q", spec.Program())
	}
	if spec.Profile != ResourceAware {
		t.Fatalf("profile = %v", spec.Profile)
	}
}

func TestNewLaunchSpec_UsageErrors(t *testing.T) {
	dir := t.TempDir()
	notExec := writeExecutable(t, "data.txt", 0o644)

	cases := map[string]struct {
		command string
		want    error
	}{
		"empty":        {"", ErrPathEmpty},
		"control char": {"/bin/ec\x00ho", ErrPathControlChar},
		"directory":    {dir, ErrNotRegular},
		"no exec bit":  {notExec, ErrNotExecutable},
		"missing":      {filepath.Join(dir, "missing"), os.ErrNotExist},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLaunchSpec(tc.command, nil, Strict)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidate_ReportsEveryIssue(t *testing.T) {
	spec := LaunchSpec{Path: "", Profile: SandboxProfile(7)}
	err := spec.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"unknown sandbox profile", "must not be empty", "argv[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func writeExecutable(t *testing.T, name string, mode os.FileMode) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
