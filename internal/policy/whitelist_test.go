package policy

import (
	"slices"
	"testing"

	"github.com/bpicori/watchkeep/internal/profile"
)

func TestStrictIsExactlyBaseline(t *testing.T) {
	w := For(profile.Strict)
	if !slices.Equal(w.Allow, baseline) {
		t.Fatalf("strict allow = %v, want baseline", w.Allow)
	}
	if len(w.Observe) != 0 {
		t.Fatalf("strict must not observe anything, got %v", w.Observe)
	}
}

func TestNoProfilePermitsProcessCreationSilently(t *testing.T) {
	for _, p := range profile.All() {
		w := For(p)
		for _, name := range []string{"clone", "clone3", "fork", "vfork", "socket"} {
			if slices.Contains(w.Allow, name) {
				t.Fatalf("%v silently allows %s", p, name)
			}
		}
	}
}

func TestWideningProfilesKeepBaseline(t *testing.T) {
	for _, p := range []profile.SandboxProfile{profile.ResourceAware, profile.Learning} {
		w := For(p)
		for _, name := range baseline {
			if !w.Permits(name) {
				t.Fatalf("%v drops baseline syscall %s", p, name)
			}
		}
	}
	if !For(profile.ResourceAware).Permits("getrusage") {
		t.Fatal("resource-aware should allow getrusage")
	}
}

func TestLearningStillDeniesUnclassified(t *testing.T) {
	w := For(profile.Learning)
	if !slices.Contains(w.Observe, "clone") {
		t.Fatalf("learning should observe clone, got %v", w.Observe)
	}
	for _, name := range []string{"ptrace", "mount", "kexec_load", "init_module", "bpf"} {
		if w.Permits(name) {
			t.Fatalf("learning permits unclassified %s", name)
		}
	}
}

func TestForReturnsIndependentCopies(t *testing.T) {
	w := For(profile.Strict)
	w.Allow[0] = "ptrace"
	if For(profile.Strict).Allow[0] == "ptrace" {
		t.Fatal("mutating a whitelist leaked into the baseline")
	}
}
