package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectivity indicates the remote system is unreachable or rejected
	// authentication. Fatal to the phase, never retried automatically.
	// A timed out remote call is treated identically.
	ErrConnectivity = errors.New("remote system unreachable")

	// ErrForceDestroy indicates the destroy step of a force-recreate failed.
	ErrForceDestroy = errors.New("failed to destroy existing resource")
)

// CommitConflictError is returned when a write is attempted while a prior
// attempt is still pending on the remote. Retryable, but only after the caller
// confirms a reboot occurred.
type CommitConflictError struct {
	ServerID     string
	PendingGroup AttributeGroup
}

func (e *CommitConflictError) Error() string {
	return fmt.Sprintf("commit conflict: attribute group '%s' pending on server '%s', reboot required before further writes",
		e.PendingGroup, e.ServerID)
}

// IsCommitConflict reports whether err carries a commit conflict anywhere in its chain.
func IsCommitConflict(err error) bool {
	var cc *CommitConflictError
	return errors.As(err, &cc)
}

// AttributeDependencyError is returned when a write is attempted out of the
// required group order. This indicates a sequencing bug in the caller and is
// surfaced distinctly from a commit conflict.
type AttributeDependencyError struct {
	Group    AttributeGroup
	Requires AttributeGroup
}

func (e *AttributeDependencyError) Error() string {
	return fmt.Sprintf("attribute dependency violation: group '%s' requires '%s' to be committed first",
		e.Group, e.Requires)
}

// IsAttributeDependency reports whether err carries a dependency violation anywhere in its chain.
func IsAttributeDependency(err error) bool {
	var ad *AttributeDependencyError
	return errors.As(err, &ad)
}

// StepError identifies the specific provisioning step that failed, creation
// failures are never collapsed into one opaque message.
type StepError struct {
	Step  string
	cause error
}

func NewStepError(step string, cause error) *StepError {
	return &StepError{Step: step, cause: cause}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning step '%s' failed: %s", e.Step, e.cause.Error())
}

func (e *StepError) Unwrap() error {
	return e.cause
}

// FailedStep returns the provisioning step name carried by err, if any.
func FailedStep(err error) (string, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}

	return "", false
}
