package watchkeep

import (
	"github.com/bpicori/watchkeep/internal/policy"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

func openKernelLog() (supervisor.Inspector, error) {
	k, err := policy.OpenKernelLog()
	if err != nil {
		return nil, err
	}
	return k, nil
}
