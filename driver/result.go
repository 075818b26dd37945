package driver

import (
	"fmt"

	"github.com/pkg/errors"
)

// Result is the status code of a driver call.
type Result int

const (
	Success Result = iota
	ErrorInvalidValue
	ErrorOutOfMemory
	ErrorNotInitialized
	ErrorDeinitialized
	ErrorNoDevice
	ErrorInvalidDevice
	ErrorInvalidImage
	ErrorInvalidContext
	ErrorInvalidHandle
	ErrorNotFound
	ErrorNotReady
	ErrorIllegalAddress
	ErrorLaunchFailed
	ErrorNotSupported
	ErrorUnknown
)

var resultNames = map[Result]string{
	Success:             "SUCCESS",
	ErrorInvalidValue:   "ERROR_INVALID_VALUE",
	ErrorOutOfMemory:    "ERROR_OUT_OF_MEMORY",
	ErrorNotInitialized: "ERROR_NOT_INITIALIZED",
	ErrorDeinitialized:  "ERROR_DEINITIALIZED",
	ErrorNoDevice:       "ERROR_NO_DEVICE",
	ErrorInvalidDevice:  "ERROR_INVALID_DEVICE",
	ErrorInvalidImage:   "ERROR_INVALID_IMAGE",
	ErrorInvalidContext: "ERROR_INVALID_CONTEXT",
	ErrorInvalidHandle:  "ERROR_INVALID_HANDLE",
	ErrorNotFound:       "ERROR_NOT_FOUND",
	ErrorNotReady:       "ERROR_NOT_READY",
	ErrorIllegalAddress: "ERROR_ILLEGAL_ADDRESS",
	ErrorLaunchFailed:   "ERROR_LAUNCH_FAILED",
	ErrorNotSupported:   "ERROR_NOT_SUPPORTED",
	ErrorUnknown:        "ERROR_UNKNOWN",
}

// String implements fmt.Stringer.
func (r Result) String() string {
	if name, found := resultNames[r]; found {
		return name
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Error is the error returned by driver calls.
type Error struct {
	// Op is the name of the driver call that failed, e.g.: "MemAllocAsync".
	Op   string
	Code Result

	// Detail is an optional human-readable explanation given by the driver.
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("driver error in %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("driver error in %s: %s (%s)", e.Op, e.Code, e.Detail)
}

// Errorf creates a driver error with a stack trace.
func Errorf(op string, code Result, format string, args ...any) error {
	return errors.WithStack(&Error{Op: op, Code: code, Detail: fmt.Sprintf(format, args...)})
}

// Check converts a Result to an error: nil for Success.
func Check(op string, code Result) error {
	if code == Success {
		return nil
	}
	return errors.WithStack(&Error{Op: op, Code: code})
}

// CodeOf returns the Result carried by err, Success if err is nil, or ErrorUnknown if err is not a driver error.
func CodeOf(err error) Result {
	if err == nil {
		return Success
	}
	var driverErr *Error
	if errors.As(err, &driverErr) {
		return driverErr.Code
	}
	return ErrorUnknown
}

// IsOutOfMemory returns whether err was caused by the device running out of memory.
func IsOutOfMemory(err error) bool {
	return CodeOf(err) == ErrorOutOfMemory
}
