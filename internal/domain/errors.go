package domain

import (
	"errors"
	"fmt"
)

// ErrorCode buckets failures the way callers need to react to them.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeRouting           ErrorCode = "ROUTING"
	CodeDispatchTransport ErrorCode = "DISPATCH_TRANSPORT"
	CodeBackendTransient  ErrorCode = "BACKEND_TRANSIENT"
	CodeBackendPermanent  ErrorCode = "BACKEND_PERMANENT"
	CodeInternal          ErrorCode = "INTERNAL"
)

type CodedError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

func NewError(code ErrorCode, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the error code, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
