// Package errors provides structured error types for localflow.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode identifies specific error conditions
type ErrorCode string

const (
	ErrCodeValidation               ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound                 ErrorCode = "NOT_FOUND"
	ErrCodeConflict                 ErrorCode = "CONFLICT"
	ErrCodeUnsupported              ErrorCode = "UNSUPPORTED"
	ErrCodeStorage                  ErrorCode = "STORAGE_ERROR"
	ErrCodeParse                    ErrorCode = "PARSE_ERROR"
	ErrCodeExpression               ErrorCode = "EXPRESSION_ERROR"
	ErrCodeInvalidParameters        ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownWorkflow          ErrorCode = "UNKNOWN_WORKFLOW"
	ErrCodeMappingNotFound          ErrorCode = "MAPPING_NOT_FOUND"
	ErrCodeMappingAttributeNotFound ErrorCode = "MAPPING_ATTRIBUTE_NOT_FOUND"
)

// Error is the base error type for localflow
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Wrap creates a new error wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a single detail to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// ValidationError creates a validation error
func ValidationError(message string, details map[string]interface{}) *Error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NotFoundError creates a not found error
func NotFoundError(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %q does not exist", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// VersionConflict creates the error returned when an optimistic update carries
// a version other than the stored one.
func VersionConflict(instanceID string, expected, actual int) *Error {
	return &Error{
		Code: ErrCodeConflict,
		Message: fmt.Sprintf("version %d does not match current version of node instance %s which is %d",
			expected, instanceID, actual),
		Details: map[string]interface{}{
			"node_instance_id": instanceID,
			"expected_version": expected,
			"actual_version":   actual,
		},
	}
}

// AlreadyExists creates a conflict error for storage that is already initialized.
func AlreadyExists(resourceType, name string) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf("%s %q already exists", resourceType, name),
		Details: map[string]interface{}{
			"resource_type": resourceType,
			"name":          name,
		},
	}
}

// Unsupported creates an unsupported-operation error
func Unsupported(backend, operation string) *Error {
	return &Error{
		Code:    ErrCodeUnsupported,
		Message: fmt.Sprintf("%s is not supported by %s storage", operation, backend),
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// StorageError creates a storage error
func StorageError(backend string, operation string, err error) *Error {
	return &Error{
		Code:    ErrCodeStorage,
		Message: fmt.Sprintf("storage %s failed during %s", backend, operation),
		Cause:   err,
		Details: map[string]interface{}{
			"backend":   backend,
			"operation": operation,
		},
	}
}

// ParseError creates a parse error
func ParseError(filePath string, err error) *Error {
	return &Error{
		Code:    ErrCodeParse,
		Message: fmt.Sprintf("failed to parse %s", filePath),
		Cause:   err,
		Details: map[string]interface{}{
			"file": filePath,
		},
	}
}

// ExpressionError creates an expression evaluation error
func ExpressionError(expression string, err error) *Error {
	return &Error{
		Code:    ErrCodeExpression,
		Message: fmt.Sprintf("failed to evaluate expression: %s", expression),
		Cause:   err,
		Details: map[string]interface{}{
			"expression": expression,
		},
	}
}

// MissingParameters creates the error for mandatory workflow parameters that
// were not supplied.
func MissingParameters(workflow string, names []string) *Error {
	names = sortedCopy(names)
	return &Error{
		Code: ErrCodeInvalidParameters,
		Message: fmt.Sprintf("Workflow %q must be provided with the following parameters to execute: %s",
			workflow, strings.Join(names, ",")),
		Details: map[string]interface{}{
			"workflow": workflow,
			"missing":  names,
		},
	}
}

// UndeclaredParameters creates the error for custom parameters passed to a
// workflow that does not allow them.
func UndeclaredParameters(workflow string, names []string) *Error {
	names = sortedCopy(names)
	return &Error{
		Code: ErrCodeInvalidParameters,
		Message: fmt.Sprintf("Workflow %q does not have the following parameters declared: %s. "+
			"Remove these parameters or use the flag for allowing custom parameters",
			workflow, strings.Join(names, ",")),
		Details: map[string]interface{}{
			"workflow": workflow,
			"custom":   names,
		},
	}
}

// UnknownWorkflow creates the error for a workflow name missing from the plan.
func UnknownWorkflow(name string, available []string) *Error {
	available = sortedCopy(available)
	return &Error{
		Code: ErrCodeUnknownWorkflow,
		Message: fmt.Sprintf("'%s' workflow does not exist. existing workflows are: %s",
			name, strings.Join(available, ", ")),
		Details: map[string]interface{}{
			"workflow":  name,
			"available": available,
		},
	}
}

// MappingNotFound creates the error for an operation module that cannot be located.
func MappingNotFound(module, nodeID, kind string) *Error {
	return &Error{
		Code:    ErrCodeMappingNotFound,
		Message: fmt.Sprintf("mapping error: No module named %s [node=%s, type=%s]", module, nodeID, kind),
		Details: map[string]interface{}{
			"module": module,
			"node":   nodeID,
			"type":   kind,
		},
	}
}

// MappingAttributeNotFound creates the error for an operation module that
// lacks the requested attribute.
func MappingAttributeNotFound(module, attribute, nodeID, kind string) *Error {
	return &Error{
		Code:    ErrCodeMappingAttributeNotFound,
		Message: fmt.Sprintf("mapping error: %s has no attribute '%s' [node=%s, type=%s]", module, attribute, nodeID, kind),
		Details: map[string]interface{}{
			"module":    module,
			"attribute": attribute,
			"node":      nodeID,
			"type":      kind,
		},
	}
}

// Is checks if the error, or any error it wraps, matches the given code
func Is(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
