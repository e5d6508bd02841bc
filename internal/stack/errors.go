package stack

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure reported by the BLE stack.
type ErrorCode int

const (
	CodeNone ErrorCode = iota
	CodeBufferOverflow
	CodeNotImplemented
	CodeParamOutOfRange
	CodeInvalidParam
	CodeStackBusy
	CodeInvalidState
	CodeNoMem
	CodeOperationNotPermitted
	CodeInitializationIncomplete
	CodeAlreadyInitialized
	CodeUnspecified
	CodeInternalStackFailure
	CodeNotFound
)

// ErrorCategory groups error codes by what went wrong.
type ErrorCategory string

const (
	CategoryNone        ErrorCategory = "none"
	CategoryParameter   ErrorCategory = "parameter"
	CategoryResource    ErrorCategory = "resource"
	CategoryState       ErrorCategory = "state"
	CategoryUnspecified ErrorCategory = "unspecified"
)

type codeInfo struct {
	name     string
	message  string
	category ErrorCategory
}

var codeTable = map[ErrorCode]codeInfo{
	CodeNone:                     {"BLE_ERROR_NONE", "No error", CategoryNone},
	CodeBufferOverflow:           {"BLE_ERROR_BUFFER_OVERFLOW", "The requested action would cause a buffer overflow and has been aborted", CategoryParameter},
	CodeNotImplemented:           {"BLE_ERROR_NOT_IMPLEMENTED", "Requested a feature that isn't yet implemented or isn't supported by the target HW", CategoryUnspecified},
	CodeParamOutOfRange:          {"BLE_ERROR_PARAM_OUT_OF_RANGE", "One of the supplied parameters is outside the valid range", CategoryParameter},
	CodeInvalidParam:             {"BLE_ERROR_INVALID_PARAM", "One of the supplied parameters is invalid", CategoryParameter},
	CodeStackBusy:                {"BLE_STACK_BUSY", "The stack is busy", CategoryResource},
	CodeInvalidState:             {"BLE_ERROR_INVALID_STATE", "Invalid state", CategoryState},
	CodeNoMem:                    {"BLE_ERROR_NO_MEM", "Out of Memory", CategoryResource},
	CodeOperationNotPermitted:    {"BLE_ERROR_OPERATION_NOT_PERMITTED", "Operation not permitted", CategoryState},
	CodeInitializationIncomplete: {"BLE_ERROR_INITIALIZATION_INCOMPLETE", "Initialization incomplete", CategoryState},
	CodeAlreadyInitialized:       {"BLE_ERROR_ALREADY_INITIALIZED", "Already initialized", CategoryState},
	CodeUnspecified:              {"BLE_ERROR_UNSPECIFIED", "Unknown error", CategoryUnspecified},
	CodeInternalStackFailure:     {"BLE_ERROR_INTERNAL_STACK_FAILURE", "Internal stack failure", CategoryUnspecified},
	CodeNotFound:                 {"BLE_ERROR_NOT_FOUND", "Not found", CategoryParameter},
}

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	if info, ok := codeTable[c]; ok {
		return info.name
	}
	return fmt.Sprintf("BLE_ERROR(%d)", int(c))
}

// Category returns the category the code belongs to.
func (c ErrorCode) Category() ErrorCategory {
	if info, ok := codeTable[c]; ok {
		return info.category
	}
	return CategoryUnspecified
}

// Describe returns the fixed human-readable message of the code.
func (c ErrorCode) Describe() string {
	if info, ok := codeTable[c]; ok {
		return fmt.Sprintf("%s: %s", info.name, info.message)
	}
	return "Unknown error"
}

// Error is a failed stack operation.
type Error struct {
	Op   string
	Code ErrorCode
	Err  error
}

// NewError creates an Error for op with the given code.
func NewError(op string, code ErrorCode) *Error {
	return &Error{Op: op, Code: code}
}

// WrapError creates an Error for op that carries the native cause.
func WrapError(op string, code ErrorCode, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Code.Describe()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Err)
	}
	return msg
}

// Unwrap returns the native cause, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel errors, one per code, for use with errors.Is.
var (
	ErrBufferOverflow           = &Error{Code: CodeBufferOverflow}
	ErrNotImplemented           = &Error{Code: CodeNotImplemented}
	ErrParamOutOfRange          = &Error{Code: CodeParamOutOfRange}
	ErrInvalidParam             = &Error{Code: CodeInvalidParam}
	ErrStackBusy                = &Error{Code: CodeStackBusy}
	ErrInvalidState             = &Error{Code: CodeInvalidState}
	ErrNoMem                    = &Error{Code: CodeNoMem}
	ErrOperationNotPermitted    = &Error{Code: CodeOperationNotPermitted}
	ErrInitializationIncomplete = &Error{Code: CodeInitializationIncomplete}
	ErrAlreadyInitialized       = &Error{Code: CodeAlreadyInitialized}
	ErrUnspecified              = &Error{Code: CodeUnspecified}
	ErrInternalStackFailure     = &Error{Code: CodeInternalStackFailure}
	ErrNotFound                 = &Error{Code: CodeNotFound}
)

// CodeOf extracts the error code from err.
// Errors that are not stack errors map to CodeUnspecified; nil maps to CodeNone.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Code
	}
	return CodeUnspecified
}

// ParseErrorCode looks a code up by its symbolic name, e.g. BLE_STACK_BUSY.
func ParseErrorCode(name string) (ErrorCode, bool) {
	for code, info := range codeTable {
		if info.name == name {
			return code, true
		}
	}
	return CodeNone, false
}
