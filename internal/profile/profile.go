// Package profile defines the sandbox profiles and the launch specification
// handed from the launcher to the sandbox helper.
package profile

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Validation errors. Use errors.Is to check for them.
var (
	ErrUnknownProfile  = errors.New("unknown sandbox profile")
	ErrPathEmpty       = errors.New("target path must not be empty")
	ErrPathControlChar = errors.New("target path contains control character")
	ErrNotRegular      = errors.New("target is not a regular file")
	ErrNotExecutable   = errors.New("target is not executable")
)

// SandboxProfile selects the syscall whitelist and resource ceilings of a
// run. The zero value is Strict.
type SandboxProfile int

const (
	Strict SandboxProfile = iota
	ResourceAware
	Learning
)

// All lists every profile in declaration order.
func All() []SandboxProfile {
	return []SandboxProfile{Strict, ResourceAware, Learning}
}

func (p SandboxProfile) String() string {
	switch p {
	case Strict:
		return "STRICT"
	case ResourceAware:
		return "RESOURCE_AWARE"
	case Learning:
		return "LEARNING"
	default:
		return fmt.Sprintf("PROFILE(%d)", int(p))
	}
}

// Valid reports whether p is one of the declared profiles.
func (p SandboxProfile) Valid() bool {
	return p >= Strict && p <= Learning
}

// Parse accepts canonical names and the lower-case CLI spellings,
// e.g. "strict", "resource-aware", "RESOURCE_AWARE", "learning".
func Parse(s string) (SandboxProfile, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "", "_", "").Replace(norm)
	switch norm {
	case "strict":
		return Strict, nil
	case "resourceaware":
		return ResourceAware, nil
	case "learning":
		return Learning, nil
	default:
		return Strict, fmt.Errorf("%w %q (want strict, resource-aware or learning)", ErrUnknownProfile, s)
	}
}

func (p SandboxProfile) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w %d", ErrUnknownProfile, int(p))
	}
	return []byte(p.String()), nil
}

func (p *SandboxProfile) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// LaunchSpec is the target executable, its argument vector and the profile
// governing the run. Args[0] is always Path.
type LaunchSpec struct {
	Path    string         `cbor:"path"`
	Args    []string       `cbor:"args"`
	Profile SandboxProfile `cbor:"profile"`
}

// NewLaunchSpec resolves command (searching PATH when it has no slash) and
// builds a validated LaunchSpec whose argv[0] is the resolved path.
func NewLaunchSpec(command string, args []string, p SandboxProfile) (LaunchSpec, error) {
	if err := checkPathChars(command); err != nil {
		return LaunchSpec{}, err
	}

	resolved, err := resolveTarget(command)
	if err != nil {
		return LaunchSpec{}, fmt.Errorf("resolve %q: %w", command, err)
	}

	spec := LaunchSpec{
		Path:    resolved,
		Args:    append([]string{resolved}, args...),
		Profile: p,
	}
	if err := spec.Validate(); err != nil {
		return LaunchSpec{}, err
	}
	return spec, nil
}

// Validate checks the spec for consistency and that Path names an
// executable regular file. It returns a combined error of every issue found.
func (s LaunchSpec) Validate() error {
	var errs []error

	if !s.Profile.Valid() {
		errs = append(errs, fmt.Errorf("%w %d", ErrUnknownProfile, int(s.Profile)))
	}

	if err := checkPathChars(s.Path); err != nil {
		errs = append(errs, err)
	} else if err := checkExecutable(s.Path); err != nil {
		errs = append(errs, fmt.Errorf("target %q: %w", s.Path, err))
	}

	if len(s.Args) == 0 || s.Args[0] != s.Path {
		errs = append(errs, errors.New("argv[0] must equal the target path"))
	}

	return errors.Join(errs...)
}

// Program is the base name of the target, used in telemetry and file names.
func (s LaunchSpec) Program() string {
	return filepath.Base(s.Path)
}

func checkPathChars(raw string) error {
	if raw == "" {
		return ErrPathEmpty
	}
	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}
	return nil
}

func resolveTarget(command string) (string, error) {
	path := command
	if !strings.Contains(command, "/") {
		found, err := exec.LookPath(command)
		if err != nil {
			return "", err
		}
		path = found
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return ErrNotRegular
	}
	if info.Mode().Perm()&0o111 == 0 {
		return ErrNotExecutable
	}
	return nil
}
