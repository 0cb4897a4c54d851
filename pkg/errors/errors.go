package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType categorizes domain errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeIO             ErrorType = "io"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeProcess        ErrorType = "process"
	ErrorTypeCancelled      ErrorType = "cancelled"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeProvisioning   ErrorType = "provisioning"
	ErrorTypeToolNotFound   ErrorType = "tool_not_found"
	ErrorTypeCommandFailure ErrorType = "command_failure"
	ErrorTypeLaunchFailure  ErrorType = "launch_failure"
	ErrorTypeInterrupted    ErrorType = "interrupted"
)

// DomainError is the single error type returned by the task runner packages
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Type))
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Context[k])
		}
		sb.WriteString("]")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches another DomainError by type, so errors.Is(err, &DomainError{Type: ...}) works
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// WithContext adds a key/value pair to the error context and returns the same error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

// NewProvisioningError reports a required path that could not be created
func NewProvisioningError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProvisioning, message, cause)
}

// NewToolNotFoundError reports a required executable missing in strict mode
func NewToolNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeToolNotFound, message, cause)
}

// NewCommandFailureError reports a synchronous command that exited non-zero
func NewCommandFailureError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCommandFailure, message, cause)
}

// NewLaunchFailureError reports a process the OS refused to start
func NewLaunchFailureError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeLaunchFailure, message, cause)
}

// NewInterruptedError reports an operator-initiated cancellation
func NewInterruptedError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInterrupted, message, cause)
}

// IsType reports whether any error in err's chain is a DomainError of the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var de *DomainError
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Type == errorType {
			return true
		}
		err = de.Cause
	}
	return false
}

func IsValidationError(err error) bool     { return IsType(err, ErrorTypeValidation) }
func IsIOError(err error) bool             { return IsType(err, ErrorTypeIO) }
func IsNotFoundError(err error) bool       { return IsType(err, ErrorTypeNotFound) }
func IsProcessError(err error) bool        { return IsType(err, ErrorTypeProcess) }
func IsCancelledError(err error) bool      { return IsType(err, ErrorTypeCancelled) }
func IsInternalError(err error) bool       { return IsType(err, ErrorTypeInternal) }
func IsTimeoutError(err error) bool        { return IsType(err, ErrorTypeTimeout) }
func IsProvisioningError(err error) bool   { return IsType(err, ErrorTypeProvisioning) }
func IsToolNotFoundError(err error) bool   { return IsType(err, ErrorTypeToolNotFound) }
func IsCommandFailureError(err error) bool { return IsType(err, ErrorTypeCommandFailure) }
func IsLaunchFailureError(err error) bool  { return IsType(err, ErrorTypeLaunchFailure) }
func IsInterruptedError(err error) bool    { return IsType(err, ErrorTypeInterrupted) }

// ContextValue returns a context value from the outermost DomainError carrying the key
func ContextValue(err error, key string) (interface{}, bool) {
	for err != nil {
		var de *DomainError
		if !stderrors.As(err, &de) {
			return nil, false
		}
		if v, ok := de.Context[key]; ok {
			return v, true
		}
		err = de.Cause
	}
	return nil, false
}
