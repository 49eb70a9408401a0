// Package taskerr defines the failure taxonomy for generation tasks.
// Every pipeline failure is captured as one of these codes and stored on the
// terminal task record; the UI renders the message as-is.
package taskerr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeConflict               Code = "conflict"
	CodePrerequisiteIncomplete Code = "prerequisite_incomplete"
	CodeTemplateNotFound       Code = "template_not_found"
	CodeContextTooLarge        Code = "context_too_large"
	CodeModelTimeout           Code = "model_timeout"
	CodeModelError             Code = "model_error"
	CodeMalformedResponse      Code = "malformed_response"

	// CodeInvalidInput rejects a malformed request before any state change.
	CodeInvalidInput Code = "invalid_input"

	// CodeInternal covers faults outside the model pipeline (storage,
	// serialization). Not part of the user-facing taxonomy but still
	// persisted so a failed task never carries an empty reason.
	CodeInternal Code = "internal"
)

// Error is a classified task failure. Details carry structured context,
// such as per-field sizes for context_too_large.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the taxonomy code from err, or empty if err is untyped.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// Classify wraps an untyped error under the fallback code. Already-classified
// errors pass through unchanged so a code assigned close to the failure site
// is never overwritten.
func Classify(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Code: fallback, Message: err.Error()}
}
