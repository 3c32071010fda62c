package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLaunchFailed means the engine rejected container creation.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrReadinessTimeout means the readiness marker never appeared in time.
	// The container is left running.
	ErrReadinessTimeout = errors.New("readiness timed out")
	// ErrOperationFailed means an engine operation exited non-zero.
	ErrOperationFailed = errors.New("operation failed")
	// ErrResolution means a requested owner could not be matched to a user.
	ErrResolution = errors.New("could not resolve user")
	// ErrConfirmationExpired means a destroy was not confirmed before the deadline.
	ErrConfirmationExpired = errors.New("confirmation expired")
	// ErrConfirmationPending means a confirmation is already open for the target.
	ErrConfirmationPending = errors.New("confirmation already pending")
	// ErrNotApproved means a destroy was attempted without a valid approval.
	ErrNotApproved = errors.New("destroy not approved")
)

// OperationError reports a failed engine call. Stderr is the engine's own
// text, relayed to the caller verbatim.
type OperationError struct {
	Op       string
	Target   string
	ExitCode int
	Stderr   string
	Kind     error // sentinel this error unwraps to; ErrOperationFailed if nil
}

func (e *OperationError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", e.ExitCode)
	}
	if e.Target == "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Target, msg)
}

func (e *OperationError) Unwrap() error {
	if e.Kind != nil {
		return e.Kind
	}
	return ErrOperationFailed
}
