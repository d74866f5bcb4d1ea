package sandbox

import (
	"errors"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/isolation"
)

// ErrUnsupportedPlatform is returned on systems without the namespace and
// seccomp primitives the helper needs.
var ErrUnsupportedPlatform = errors.New("sandboxing requires linux")

// Spawner starts the helper by re-executing the current binary under
// HelperVerb. It implements supervisor.Spawner.
type Spawner struct {
	// Executable is the helper binary; empty means os.Executable().
	Executable string
	Isolation  isolation.Options

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Env is the target's base environment; nil means os.Environ().
	Env []string

	Logger *zap.Logger
}

func (s *Spawner) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *Spawner) executable() (string, error) {
	if s.Executable != "" {
		return s.Executable, nil
	}
	return os.Executable()
}

func (s *Spawner) environ() []string {
	base := s.Env
	if base == nil {
		base = os.Environ()
	}
	return stripEnv(base, PayloadEnv)
}
