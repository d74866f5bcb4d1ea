// Package sandbox starts the helper process that isolates itself and then
// becomes the target executable, and implements that helper.
package sandbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bpicori/watchkeep/internal/codec"
	"github.com/bpicori/watchkeep/internal/isolation"
	"github.com/bpicori/watchkeep/internal/profile"
	"github.com/bpicori/watchkeep/internal/supervisor"
)

const (
	// HelperVerb is the hidden argv[1] that routes a re-exec into RunHelper.
	HelperVerb = "__watchkeep_internal_exec"
	// PayloadEnv carries the encoded Payload to the helper. It is removed
	// from the environment before the target runs.
	PayloadEnv = "WATCHKEEP_INTERNAL_PAYLOAD"
)

// Stage names the helper step that failed.
type Stage string

const (
	StageSpawn     Stage = "spawn"
	StageNamespace Stage = "namespace"
	StageMount     Stage = "mount"
	StageGovernor  Stage = "governor"
	StagePolicy    Stage = "policy"
	StageExec      Stage = "exec"
	StageProtocol  Stage = "protocol"
)

// ErrLaunch matches every *LaunchError with errors.Is.
var ErrLaunch = errors.New("sandbox launch failed")

// LaunchError is a failure before the target started running. It is never
// a policy violation by the target.
type LaunchError struct {
	Stage Stage
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed at %s stage: %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrLaunch }

func launchErr(stage Stage, err error) *LaunchError {
	return &LaunchError{Stage: stage, Err: err}
}

// Payload is everything the helper needs, passed through PayloadEnv.
type Payload struct {
	Spec      profile.LaunchSpec `cbor:"spec"`
	Isolation isolation.Options  `cbor:"isolation"`
}

// EncodePayload renders p for PayloadEnv.
func EncodePayload(p Payload) (string, error) {
	return codec.EncodeEnv(p)
}

// DecodePayload parses and validates a PayloadEnv value.
func DecodePayload(encoded string) (Payload, error) {
	var p Payload
	if encoded == "" {
		return p, fmt.Errorf("missing %s", PayloadEnv)
	}
	if err := codec.DecodeEnv(encoded, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if len(p.Spec.Args) == 0 || p.Spec.Args[0] != p.Spec.Path {
		return p, errors.New("payload argv[0] must equal the target path")
	}
	return p, nil
}

// Report is one message on the setup channel from helper to launcher.
// A report with Error set is terminal; Ready announces that only the
// policy and exec steps remain.
type Report struct {
	Stage    Stage           `cbor:"stage"`
	Ready    bool            `cbor:"ready,omitempty"`
	Level    isolation.Level `cbor:"level,omitempty"`
	Writable []string        `cbor:"writable,omitempty"`
	Error    string          `cbor:"error,omitempty"`
	// Baseline is the helper's rusage when it sent the Ready report.
	Baseline supervisor.ResourceUsage `cbor:"baseline"`
}

// Failed reports whether r carries a stage failure.
func (r Report) Failed() bool { return r.Error != "" }

// stripEnv returns env without any entry for key.
func stripEnv(env []string, key string) []string {
	out := make([]string, 0, len(env))
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
