package errors

import (
	"errors"
	"fmt"
)

// ERR is the error code carried by every *Error.
type ERR int32

const (
	ERR_UNKNOWN ERR = iota
	ERR_ERROR
	ERR_INVALID_ARGUMENT
	ERR_NOT_FOUND
	ERR_SIGNATURE_INVALID
	ERR_CONFIGURATION
	ERR_STORAGE
	ERR_PROCESSING
	ERR_SERVICE_ERROR
	ERR_BLOCK_INVALID
	ERR_RATE_LIMIT
	ERR_COLLATERAL
	ERR_VERSION_MISMATCH
)

var errName = map[ERR]string{
	ERR_UNKNOWN:           "UNKNOWN",
	ERR_ERROR:             "ERROR",
	ERR_INVALID_ARGUMENT:  "INVALID_ARGUMENT",
	ERR_NOT_FOUND:         "NOT_FOUND",
	ERR_SIGNATURE_INVALID: "SIGNATURE_INVALID",
	ERR_CONFIGURATION:     "CONFIGURATION",
	ERR_STORAGE:           "STORAGE",
	ERR_PROCESSING:        "PROCESSING",
	ERR_SERVICE_ERROR:     "SERVICE_ERROR",
	ERR_BLOCK_INVALID:     "BLOCK_INVALID",
	ERR_RATE_LIMIT:        "RATE_LIMIT",
	ERR_COLLATERAL:        "COLLATERAL",
	ERR_VERSION_MISMATCH:  "VERSION_MISMATCH",
}

func (c ERR) String() string {
	if name, ok := errName[c]; ok {
		return name
	}
	return fmt.Sprintf("ERR(%d)", int32(c))
}

type Error struct {
	Code       ERR
	Message    string
	WrappedErr error
}

func (e *Error) Error() string {
	// Error() can be called on wrapped errors, which can be nil, for example
	// predefined errors
	if e == nil {
		return "<nil>"
	}

	if e.WrappedErr == nil {
		return fmt.Sprintf("%d: %v", e.Code, e.Message)
	}

	return fmt.Sprintf("Error: %s (error code: %d), %v: %v", e.Code, e.Code, e.Message, e.WrappedErr)
}

// Is reports whether error codes match.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}

	var ue *Error
	if errors.As(target, &ue) {
		if e.Code == ue.Code {
			return true
		}

		if e.WrappedErr == nil {
			return false
		}
	}

	if unwrapped := errors.Unwrap(e); unwrapped != nil {
		if ue, ok := unwrapped.(*Error); ok {
			return ue.Is(target)
		}
	}

	return false
}

func (e *Error) As(target interface{}) bool {
	if e == nil {
		return false
	}

	if targetErr, ok := target.(**Error); ok {
		*targetErr = e
		return true
	}

	if e.WrappedErr != nil {
		return errors.As(e.WrappedErr, target)
	}

	return false
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.WrappedErr
}

// New creates a new *Error with the given code. The last parameter, if it is
// an error, becomes the wrapped error; the rest are treated as fmt args for
// the message.
func New(code ERR, message string, params ...interface{}) *Error {
	var wErr error

	if len(params) > 0 {
		lastParam := params[len(params)-1]

		if err, ok := lastParam.(*Error); ok {
			wErr = err
			params = params[:len(params)-1]
		} else if err, ok := lastParam.(error); ok {
			wErr = err
			params = params[:len(params)-1]
		}
	}

	if len(params) > 0 {
		message = fmt.Sprintf(message, params...)
	}

	return &Error{
		Code:       code,
		Message:    message,
		WrappedErr: wErr,
	}
}

func NewUnknownError(message string, params ...interface{}) *Error {
	return New(ERR_UNKNOWN, message, params...)
}

func NewInvalidArgumentError(message string, params ...interface{}) *Error {
	return New(ERR_INVALID_ARGUMENT, message, params...)
}

func NewNotFoundError(message string, params ...interface{}) *Error {
	return New(ERR_NOT_FOUND, message, params...)
}

func NewSignatureError(message string, params ...interface{}) *Error {
	return New(ERR_SIGNATURE_INVALID, message, params...)
}

func NewConfigurationError(message string, params ...interface{}) *Error {
	return New(ERR_CONFIGURATION, message, params...)
}

func NewStorageError(message string, params ...interface{}) *Error {
	return New(ERR_STORAGE, message, params...)
}

func NewProcessingError(message string, params ...interface{}) *Error {
	return New(ERR_PROCESSING, message, params...)
}

func NewServiceError(message string, params ...interface{}) *Error {
	return New(ERR_SERVICE_ERROR, message, params...)
}

func NewBlockInvalidError(message string, params ...interface{}) *Error {
	return New(ERR_BLOCK_INVALID, message, params...)
}

func NewRateLimitError(message string, params ...interface{}) *Error {
	return New(ERR_RATE_LIMIT, message, params...)
}

func NewCollateralError(message string, params ...interface{}) *Error {
	return New(ERR_COLLATERAL, message, params...)
}

// Is delegates to the standard library so callers only need one errors
// import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
