package runtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds for the runtime client. Callers compare against
// these with errors.Is; wrapped instances carry additional context via
// fmt.Errorf("...: %w", ...).
var (
	// Wire / protocol errors (component A/B).
	ErrNextInvocationMissingRequestID   = errors.New("lambdaruntime: next invocation response missing Lambda-Runtime-Aws-Request-Id header")
	ErrNextInvocationMissingDeadline    = errors.New("lambdaruntime: next invocation response missing or invalid Lambda-Runtime-Deadline-Ms header")
	ErrNextInvocationMissingFunctionARN = errors.New("lambdaruntime: next invocation response missing Lambda-Runtime-Invoked-Function-Arn header")
	ErrInvocationMissingMetadata        = errors.New("lambdaruntime: invocation response missing required metadata")
	ErrUnexpectedStatusCode             = errors.New("lambdaruntime: unexpected status code for request")

	// Connection errors (component B/C).
	ErrConnectionToControlPlaneLost     = errors.New("lambdaruntime: connection to control plane lost")
	ErrConnectionToControlPlaneGoneAway = errors.New("lambdaruntime: connection to control plane is going away")
	ErrClosingRuntimeClient             = errors.New("lambdaruntime: runtime client is closing")
	ErrInvalidPort                      = errors.New("lambdaruntime: invalid control plane port")

	// Lifecycle errors (component D).
	ErrMissingRuntimeAPIEnvironmentVariable = errors.New("lambdaruntime: AWS_LAMBDA_RUNTIME_API environment variable not set")
	ErrRuntimeCanOnlyBeStartedOnce          = errors.New("lambdaruntime: a runtime can only be started once per process")
	ErrCancellation                         = errors.New("lambdaruntime: operation cancelled")

	// Writer misuse errors (component E).
	ErrWriteAfterFinishHasBeenSent  = errors.New("lambdaruntime: write called after the response has already been finished")
	ErrFinishAfterFinishHasBeenSent = errors.New("lambdaruntime: finish called after the response has already been finished")
)

// wrapf wraps a sentinel with additional context while keeping errors.Is
// working against the sentinel.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}

// stateMachineViolation reports a programming error in one of the
// connection/invocation/handler state machines. These abort the process
// rather than being treated as a recoverable error.
func stateMachineViolation(component, from, attempted string) {
	panic(fmt.Sprintf("lambdaruntime: illegal %s transition: cannot %s from state %s", component, attempted, from))
}
