package tame

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned by Enforce when the server denies the call and
	// the client raises on denial.
	ErrDenied = errors.New("tool call denied")

	// ErrApprovalRequired is returned by Enforce when the call needs human
	// approval and the client raises on approval.
	ErrApprovalRequired = errors.New("approval required")

	// ErrUnreachable is returned when the server cannot be contacted after
	// all retries.
	ErrUnreachable = errors.New("server unreachable")
)

// APIError is a non-2xx response from the tame server.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// Kind is the machine-readable error kind, e.g. "VALIDATION" or
	// "NOT_FOUND". For non-JSON error bodies it is "HTTP_<status>".
	Kind string
	// Message is the human-readable description.
	Message string
	// Details carries structured context, when the server provides it.
	Details map[string]any
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tame [%s]: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("tame [%s]: status %d", e.Kind, e.StatusCode)
}

// DeniedError is returned by Enforce when the decision is deny and the
// client is configured to raise on denial. The denial is still appended to
// the session's audit trail server-side.
type DeniedError struct {
	// Result is the full decision, including the denying rule.
	Result *EnforceResult
}

// Error returns a human-readable description of the denial.
func (e *DeniedError) Error() string {
	if e.Result.RuleName != "" {
		return fmt.Sprintf("tool call denied by rule %q: %s", e.Result.RuleName, e.Result.Reason)
	}
	return fmt.Sprintf("tool call denied: %s", e.Result.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrDenied).
func (e *DeniedError) Is(target error) bool {
	return target == ErrDenied
}

// ApprovalRequiredError is returned by Enforce when the decision is approve
// and the client is configured to raise on approval.
type ApprovalRequiredError struct {
	// Result is the full decision.
	Result *EnforceResult
}

// Error returns a human-readable description of the pending approval.
func (e *ApprovalRequiredError) Error() string {
	if e.Result.RuleName != "" {
		return fmt.Sprintf("tool call requires approval (rule %q): %s", e.Result.RuleName, e.Result.Reason)
	}
	return fmt.Sprintf("tool call requires approval: %s", e.Result.Reason)
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrApprovalRequired).
func (e *ApprovalRequiredError) Is(target error) bool {
	return target == ErrApprovalRequired
}

// UnreachableError is returned when the tame server cannot be contacted.
type UnreachableError struct {
	// Cause is the last connection error.
	Cause error
}

// Error returns a human-readable description of the connection failure.
func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying connection error.
func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnreachable).
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}
