// Package isolation places the sandbox helper in fresh namespaces and turns
// its filesystem view read-only before any untrusted code runs.
package isolation

import "errors"

// Level records how much filesystem isolation a run actually got.
type Level string

const (
	// LevelFull means the root mount was remounted read-only.
	LevelFull Level = "full"
	// LevelPartial means the root is read-only but some submounts could
	// not be remounted and stay writable.
	LevelPartial Level = "partial"
	// LevelLandlock means the remount failed and a Landlock read-only
	// ruleset stands in for it.
	LevelLandlock Level = "landlock"
	// LevelDegraded means the filesystem is as writable as the caller's.
	LevelDegraded Level = "degraded"
)

// Degraded reports whether l is weaker than full isolation.
func (l Level) Degraded() bool {
	return l != LevelFull
}

var (
	// ErrNotNamespaced means the helper did not start as PID 1 of a new
	// PID namespace.
	ErrNotNamespaced = errors.New("helper is not running in a new pid namespace")
	// ErrMountPrivate means the mount table could not be detached from the
	// host's propagation group.
	ErrMountPrivate = errors.New("cannot make mount table private")
)

// Options configure the namespaces of a run. They travel from the launcher
// to the helper inside the launch payload.
type Options struct {
	Hostname         string `cbor:"hostname"`
	UserNamespace    bool   `cbor:"userns"`
	LandlockFallback bool   `cbor:"landlock"`
}

// Result describes what Setup achieved.
type Result struct {
	Level Level
	// Writable lists submounts that stayed writable after the root was
	// remounted read-only.
	Writable []string
	// HostnameErr is set when the UTS hostname could not be changed.
	HostnameErr error
}
