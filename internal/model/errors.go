package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures across the engine.
type ErrorCode string

const (
	CodeIncompatibleEndpoints   ErrorCode = "INCOMPATIBLE_ENDPOINTS"
	CodeDuplicateLink           ErrorCode = "DUPLICATE_LINK"
	CodeLinkConfirmationTimeout ErrorCode = "LINK_CONFIRMATION_TIMEOUT"
	CodeLinkRejected            ErrorCode = "LINK_REJECTED"
	CodeServerUnavailable       ErrorCode = "SERVER_UNAVAILABLE"
	CodeProvisioningTimedOut    ErrorCode = "PROVISIONING_TIMED_OUT"
	CodeMeasurementTimedOut     ErrorCode = "MEASUREMENT_TIMED_OUT"
	CodeMeasurementFailed       ErrorCode = "MEASUREMENT_FAILED"
	CodeUnparseableResult       ErrorCode = "UNPARSEABLE_RESULT"
	CodeProbeBusy               ErrorCode = "PROBE_BUSY"
	CodeProbeCancelled          ErrorCode = "PROBE_CANCELLED"
	CodePropertyRejected        ErrorCode = "PROPERTY_REJECTED"
	CodeUnknownObject           ErrorCode = "UNKNOWN_OBJECT"
)

// Error is a coded failure. errors.Is matches on Code, so the sentinels below
// can be compared against any wrapped or detailed instance.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	} else {
		msg = string(e.Code) + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrIncompatibleEndpoints   = &Error{Code: CodeIncompatibleEndpoints}
	ErrDuplicateLink           = &Error{Code: CodeDuplicateLink}
	ErrLinkConfirmationTimeout = &Error{Code: CodeLinkConfirmationTimeout}
	ErrLinkRejected            = &Error{Code: CodeLinkRejected}
	ErrServerUnavailable       = &Error{Code: CodeServerUnavailable}
	ErrProvisioningTimedOut    = &Error{Code: CodeProvisioningTimedOut}
	ErrMeasurementTimedOut     = &Error{Code: CodeMeasurementTimedOut}
	ErrMeasurementFailed       = &Error{Code: CodeMeasurementFailed}
	ErrUnparseableResult       = &Error{Code: CodeUnparseableResult}
	ErrProbeBusy               = &Error{Code: CodeProbeBusy}
	ErrProbeCancelled          = &Error{Code: CodeProbeCancelled}
	ErrPropertyRejected        = &Error{Code: CodePropertyRejected}
	ErrUnknownObject           = &Error{Code: CodeUnknownObject}
)

// Errorf builds a coded error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code ErrorCode, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of the first coded error in the chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
