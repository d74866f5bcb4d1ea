//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/bpicori/watchkeep/internal/supervisor"
)

// HelperExitCode is the helper's status when it never reached the target.
const HelperExitCode = 125

func (s *Spawner) Spawn(context.Context, supervisor.SpawnRequest) (supervisor.Process, error) {
	return nil, launchErr(StageSpawn, fmt.Errorf("%w (running on %s)", ErrUnsupportedPlatform, runtime.GOOS))
}

func RunHelper() int {
	fmt.Fprintf(os.Stderr, "watchkeep: %v\n", ErrUnsupportedPlatform)
	return HelperExitCode
}
