// Package errs defines the error kinds shared across components,
// orthogonal to any particular component's own error wrapping. Components translate
// low-level failures into these kinds before reporting them to the
// controller.
package errs

import "errors"

// Kind classifies a failure for the controller's recovery policy.
type Kind string

const (
	KindConfigInvalid            Kind = "ConfigInvalid"
	KindMachineryTransient       Kind = "MachineryErrorTransient"
	KindMachineryFatal           Kind = "MachineryErrorFatal"
	KindAgentUnreachable         Kind = "AgentUnreachable"
	KindRouteError                Kind = "RouteError"
	KindResultServerPeerError    Kind = "ResultServerPeerError"
	KindStageTimeout              Kind = "StageTimeout"
	KindNoMatchingMachine        Kind = "NoMatchingMachine"
	KindNodeUnreachable           Kind = "NodeUnreachable"
	KindStateInvariantViolation   Kind = "StateInvariantViolation"
	KindInvalidState              Kind = "InvalidState"

	// KindDetonationTimeout marks the detonation deadline being reached
	// without a done signal from the agent. It is the normal terminal
	// path for most sandbox runs, not an infrastructure failure: the
	// task-runner releases the machine as healthy and the controller
	// routes the task to post-processing rather than failing it.
	KindDetonationTimeout Kind = "DetonationTimeout"
)

// Error wraps an underlying cause with a classification the controller
// and task-runner use to decide recovery.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given kind. cause may be nil.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for simple validation failures that don't need a
// classified Kind (they never reach the controller's recovery policy —
// they fail a submission synchronously).
var (
	ErrTimeoutExceedsMax  = errors.New("settings: timeout exceeds max_timeout")
	ErrPriorityExceedsMax = errors.New("settings: priority exceeds max_priority")
	ErrTooManyPlatforms   = errors.New("settings: too many platforms")
	ErrFileTooSmall       = errors.New("target: file smaller than min_file_size")
	ErrFileTooLarge       = errors.New("target: file larger than max_file_size")
)
