// Package orcherr implements the error taxonomy shared across the
// orchestrator's core components: validation, not-found, conflict,
// precondition, external, and timeout. Each kind is a distinct type so
// callers can use errors.As instead of string matching, and so the
// transient-best-effort class (metadata updates, settings writes,
// preflight cache refresh) can be logged without being propagated.
package orcherr

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input: an invalid ref name, worktree name,
// option string, or path traversal attempt. No side effects occurred.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation: %s", e.Message)
}

// NewValidation builds a ValidationError.
func NewValidation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown id or missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s %q", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError reports a unique-constraint violation or a duplicate
// active session for an agent. Callers are expected to treat this as
// idempotent and surface the existing state rather than fail.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

// NewConflict builds a ConflictError.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a wrong status, a dirty working tree, a
// missing binary, or an unconfigured MCP endpoint. The caller's
// lifecycle step aborts without side effects beyond what already ran.
type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("precondition [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("precondition: %s", e.Message)
}

// NewPrecondition builds a PreconditionError with a structured code
// (e.g. "MCP_NOT_CONFIGURED", "CLAUDE_AUTO_COMPACT_ENABLED").
func NewPrecondition(code, format string, args ...any) *PreconditionError {
	return &PreconditionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExternalError wraps a failure from git, docker, a provider CLI, or a
// container HTTP call with the command context that produced it.
type ExternalError struct {
	Op      string
	Context string
	Err     error
}

func (e *ExternalError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("external [%s]: %s: %v", e.Op, e.Context, e.Err)
	}
	return fmt.Sprintf("external [%s]: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// NewExternal wraps err with the operation and context (command line,
// cwd, or endpoint) that produced it.
func NewExternal(op, context string, err error) *ExternalError {
	return &ExternalError{Op: op, Context: context, Err: err}
}

// TimeoutError reports a container HTTP call or provider CLI command
// that exceeded its deadline. Propagated the same way as ExternalError.
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout [%s] after %s", e.Op, e.Timeout)
}

// NewTimeout builds a TimeoutError.
func NewTimeout(op, timeout string) *TimeoutError {
	return &TimeoutError{Op: op, Timeout: timeout}
}

// Kind classifies err into one of the taxonomy's string labels, for
// logging and for HTTP/CLI layers (out of scope here) that map kind to
// a status code.
func Kind(err error) string {
	var v *ValidationError
	var nf *NotFoundError
	var c *ConflictError
	var p *PreconditionError
	var ext *ExternalError
	var to *TimeoutError
	switch {
	case errors.As(err, &v):
		return "validation"
	case errors.As(err, &nf):
		return "not-found"
	case errors.As(err, &c):
		return "conflict"
	case errors.As(err, &p):
		return "precondition"
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &ext):
		return "external"
	default:
		return "unknown"
	}
}
