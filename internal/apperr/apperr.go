// Package apperr defines the error-kind taxonomy shared across the core:
// validation, conflict, infrastructure, pipeline, and not-found failures.
package apperr

import "fmt"

// Kind categorizes an error for propagation and retry decisions.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindInfrastructure Kind = "infrastructure"
	KindPipeline       Kind = "pipeline"
	KindNotFound       Kind = "not_found"
)

// Error is the tagged-variant error carried across store, provider, and
// pipeline boundaries. Step and Retryable are only meaningful for KindPipeline.
type Error struct {
	Kind      Kind
	Step      string
	Retryable bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable pipeline classification.
func IsRetryable(err error) bool {
	var ae *Error
	if e, ok := err.(*Error); ok {
		ae = e
	}
	if ae == nil {
		return false
	}
	return ae.Kind == KindPipeline && ae.Retryable
}

// KindOf extracts the Kind of err, defaulting to KindInfrastructure for
// errors that don't carry one (unexpected OS/library errors at a boundary).
func KindOf(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindInfrastructure
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Infrastructure(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInfrastructure, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Pipeline builds a step failure. retryable marks it eligible for
// retry.Backoff; step names the pipeline step that produced it.
func Pipeline(step string, retryable bool, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindPipeline, Step: step, Retryable: retryable, Message: msg, Err: err}
}
