//go:build !linux

package watchkeep

import (
	"github.com/bpicori/watchkeep/internal/sandbox"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

func openKernelLog() (supervisor.Inspector, error) {
	return nil, sandbox.ErrUnsupportedPlatform
}
