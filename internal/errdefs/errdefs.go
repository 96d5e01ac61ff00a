// Package errdefs defines the error taxonomy shared by connectors,
// operators, the executor and the control plane. Errors are classified by
// kind so callers can decide on retry behavior and the HTTP surface can
// emit machine-readable codes without inspecting messages.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry decisions and API responses.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration indicates invalid connector or operator config,
	// raised at construction time.
	KindConfiguration
	// KindConnectionFailed indicates a network failure at connect or first I/O.
	KindConnectionFailed
	// KindAuthentication indicates a credential failure.
	KindAuthentication
	// KindSchemaDiscovery indicates asset discovery or schema inference failed.
	KindSchemaDiscovery
	// KindDataTransfer indicates a backend read/write failure; retryable per
	// node policy.
	KindDataTransfer
	// KindTransformation indicates operator logic failed, including compiled
	// user code.
	KindTransformation
	// KindPipelineExecution indicates the plan cannot proceed; terminal for
	// the run.
	KindPipelineExecution
	// KindNotFound is an API-surface error.
	KindNotFound
	// KindForbidden is an API-surface error.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration_error"
	case KindConnectionFailed:
		return "connection_failed"
	case KindAuthentication:
		return "authentication_error"
	case KindSchemaDiscovery:
		return "schema_discovery_error"
	case KindDataTransfer:
		return "data_transfer_error"
	case KindTransformation:
		return "transformation_error"
	case KindPipelineExecution:
		return "pipeline_execution_error"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown_error"
	}
}

// Error is an error tagged with a Kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of the error.
func (e *Error) Kind() Kind { return e.kind }

// Code returns the machine-readable code for the HTTP surface.
func (e *Error) Code() string { return e.kind.String() }

// New creates a classified error.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Newf creates a classified error with formatting.
func Newf(kind Kind, format string, v ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, v...)}
}

// Wrap classifies an existing error, preserving the chain. A nil err
// returns nil. An already classified error keeps its original kind.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	if GetKind(err) != KindUnknown {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return &Error{kind: kind, err: fmt.Errorf("%s: %w", msg, err)}
}

// GetKind returns the Kind of err, or KindUnknown when the chain carries
// no classification.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// IsRetryable reports whether the node retry policy may re-run the failed
// work. Transfer and runtime transformation failures are retryable;
// configuration, compile and plan-level failures are not.
func IsRetryable(err error) bool {
	switch GetKind(err) {
	case KindDataTransfer, KindConnectionFailed, KindTransformation, KindUnknown:
		return !IsCompile(err)
	default:
		return false
	}
}

// compileError marks a transformation failure raised while compiling user
// code, as opposed to evaluating it. Compile failures are never retried.
type compileError struct{ err error }

func (e *compileError) Error() string { return e.err.Error() }
func (e *compileError) Unwrap() error { return e.err }

// NewCompile wraps a user-code compile failure as a non-retryable
// transformation error. The message names the construct that failed to
// compile.
func NewCompile(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: KindTransformation, err: &compileError{err: fmt.Errorf("%s: %w", msg, err)}}
}

// IsCompile reports whether err originated from user-code compilation.
func IsCompile(err error) bool {
	var e *compileError
	return errors.As(err, &e)
}

// ErrorList aggregates errors collected across independent units of work.
type ErrorList struct {
	errors []error
}

func (e *ErrorList) Add(err error) {
	if err != nil {
		e.errors = append(e.errors, err)
	}
}

func (e *ErrorList) HasErrors() bool { return len(e.errors) > 0 }

func (e *ErrorList) Error() string {
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
