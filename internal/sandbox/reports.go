package sandbox

import (
	"errors"
	"fmt"
	"io"

	"github.com/bpicori/watchkeep/internal/codec"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

// readReports consumes the setup channel until the helper closes it, by
// exec or by exiting. Only a Ready report followed by EOF is success.
func readReports(r io.Reader) (supervisor.Setup, error) {
	dec := codec.NewDecoder(r)
	var (
		ready bool
		setup supervisor.Setup
	)
	for {
		var rep Report
		err := dec.Decode(&rep)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return supervisor.Setup{}, launchErr(StageProtocol, fmt.Errorf("read setup report: %w", err))
		}
		if rep.Failed() {
			return supervisor.Setup{}, launchErr(rep.Stage, errors.New(rep.Error))
		}
		if rep.Ready {
			ready = true
			setup = supervisor.Setup{Level: rep.Level, Writable: rep.Writable, Baseline: rep.Baseline}
		}
	}
	if !ready {
		return supervisor.Setup{}, launchErr(StageProtocol, errors.New("helper exited before completing setup"))
	}
	return setup, nil
}
