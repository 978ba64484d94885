package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Tandem.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Environment prerequisites
	ErrCodeResourceMissing ErrorCode = 2001

	// Launch
	ErrCodeLaunchFailed      ErrorCode = 3001
	ErrCodeBrokerUnavailable ErrorCode = 3002

	// Readiness
	ErrCodeReadinessTimeout ErrorCode = 4001
	ErrCodeRetryExhausted   ErrorCode = 4002
	ErrCodeDetectionTimeout ErrorCode = 4003

	// Shutdown
	ErrCodeShutdownStall ErrorCode = 5001

	// Entry handoff
	ErrCodeHandoffFailed ErrorCode = 6001
)

// TandemError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type TandemError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *TandemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *TandemError) Unwrap() error {
	return e.Err
}

// New creates a new TandemError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &TandemError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost TandemError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var te *TandemError
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrCodeUnknown
}

// HasCode reports whether any TandemError in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var te *TandemError
		if !errors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.Err
	}
	return false
}

// Personal.AI order the ending
