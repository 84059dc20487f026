package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorType classifies failures so callers can decide how to react without
// string matching.
type ErrorType string

const (
	// ErrorTypeUsage marks an operation called before its state precondition holds.
	ErrorTypeUsage ErrorType = "usage"
	// ErrorTypeData marks bad caller input (dimension mismatch, negative ids).
	ErrorTypeData ErrorType = "data"
	// ErrorTypeResource marks exhaustion of a bounded resource such as device memory.
	ErrorTypeResource ErrorType = "resource"
	// ErrorTypeFormat marks a persisted blob that cannot be read back.
	ErrorTypeFormat ErrorType = "format"
	// ErrorTypeConfiguration marks an invalid IndexConfig or backend selection.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeUnknown is returned by TypeOf for errors outside the taxonomy.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Sentinel errors. Every error returned by the index wraps exactly one of
// these, so errors.Is works regardless of the surrounding context.
var (
	ErrUntrainedIndex           = stderrors.New("index is not trained")
	ErrInsufficientTrainingData = stderrors.New("insufficient training data")
	ErrAlreadyTrained           = stderrors.New("index is already trained")
	ErrIndexClosed              = stderrors.New("index is closed")
	ErrInvalidArgument          = stderrors.New("invalid argument")
	ErrDimensionMismatch        = stderrors.New("vector dimension mismatch")
	ErrDegenerateVector         = stderrors.New("degenerate zero-norm vector")
	ErrDeviceOutOfMemory        = stderrors.New("device out of memory")
	ErrIncompatibleIndexFormat  = stderrors.New("incompatible index format")
	ErrInvalidConfig            = stderrors.New("invalid index config")
	ErrAcceleratorUnavailable   = stderrors.New("accelerator backend not available")
)

var sentinelTypes = map[error]ErrorType{
	ErrUntrainedIndex:           ErrorTypeUsage,
	ErrInsufficientTrainingData: ErrorTypeUsage,
	ErrAlreadyTrained:           ErrorTypeUsage,
	ErrIndexClosed:              ErrorTypeUsage,
	ErrInvalidArgument:          ErrorTypeData,
	ErrDimensionMismatch:        ErrorTypeData,
	ErrDegenerateVector:         ErrorTypeData,
	ErrDeviceOutOfMemory:        ErrorTypeResource,
	ErrIncompatibleIndexFormat:  ErrorTypeFormat,
	ErrInvalidConfig:            ErrorTypeConfiguration,
	ErrAcceleratorUnavailable:   ErrorTypeConfiguration,
}

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // skip runtime.Callers, captureStack and the constructor
	return pcs[:n]
}

// E wraps one of the package sentinels, deriving the ErrorType from it.
// The message is formatted with fmt.Sprintf.
func E(sentinel error, operation, format string, args ...interface{}) *StructuredError {
	errType, ok := sentinelTypes[sentinel]
	if !ok {
		errType = ErrorTypeUnknown
	}
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
		Cause:     sentinel,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// TypeOf classifies err. Wrapped sentinels win over the Type recorded on an
// outer StructuredError.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	for sentinel, t := range sentinelTypes {
		if stderrors.Is(err, sentinel) {
			return t
		}
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ErrorTypeUnknown
}

// Is reports whether err matches target; re-exported so callers importing
// this package do not also need the standard library one.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Join is the standard library errors.Join.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
