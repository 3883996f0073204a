package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrBinaryNotFound means the install directory has no worker executable.
	// The installation must be repaired; retrying will not help.
	ErrBinaryNotFound = errors.New("worker binary not found")

	// ErrStartupTimeout means the worker did not announce its port in time, or
	// the caller stopped waiting. An abandoned worker is asked to terminate.
	ErrStartupTimeout = errors.New("worker startup timed out")
)

// SpawnError means the OS refused to launch the worker.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start worker %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// PrematureExitError means the worker exited before it could be handed out,
// including a worker that announced its port and died straight away.
// Code is -1 when the worker was killed by a signal.
type PrematureExitError struct {
	Code int
}

func (e *PrematureExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d before announcing its port", e.Code)
}

// Retryable reports that a new acquisition may succeed.
func (e *PrematureExitError) Retryable() bool { return true }

// Kind classifies an acquisition error for metrics and user reporting.
func Kind(err error) string {
	var se *SpawnError
	var pe *PrematureExitError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBinaryNotFound):
		return "binary_not_found"
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &pe):
		return "premature_exit"
	case errors.Is(err, ErrStartupTimeout):
		return "timeout"
	default:
		return "other"
	}
}
