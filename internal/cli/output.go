package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cablectl/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The operation ran and failed (rejected link, failed probe, timeout)
	ExitCommandError = 2 // Bad input (unknown object, incompatible ports, busy probe, bad flags)
	ExitUnavailable  = 3 // Daemon or PipeWire unreachable
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Coded engine errors map
// to a code by category; anything else is ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch model.CodeOf(err) {
	case model.CodeServerUnavailable:
		return ExitUnavailable
	case model.CodeUnknownObject, model.CodeIncompatibleEndpoints, model.CodeDuplicateLink,
		model.CodeProbeBusy, model.CodePropertyRejected:
		return ExitCommandError
	}
	return ExitFailure
}

// printer writes either the raw response as JSON or a text rendering.
type printer struct {
	format string
	w      io.Writer
}

func (p *printer) emit(v any, text func(w io.Writer)) error {
	if p.format == "json" {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(p.w)
	return nil
}
