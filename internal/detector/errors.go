package detector

import (
	"errors"
	"fmt"
)

// Code is the numeric code carried by a detection error.
type Code int

const (
	CodeInitialization  Code = 1000
	CodeDetectionFailed Code = 1001
	CodeDecode          Code = 1002
	CodeInference       Code = 1003
	CodeNotImplemented  Code = 1004
)

// Sentinel errors. An *Error matches the sentinel of its code with errors.Is.
var (
	ErrInitialization  = errors.New("detector initialization failed")
	ErrDetectionFailed = errors.New("detection failed")
	ErrDecode          = errors.New("decode failed")
	ErrInference       = errors.New("inference failed")
	ErrNotImplemented  = errors.New("not implemented")
)

// Error is a detection error reported to consumers.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// NewError returns an *Error with the given code. err may be nil.
func NewError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's code.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInitialization:
		return e.Code == CodeInitialization
	case ErrDetectionFailed:
		return e.Code == CodeDetectionFailed
	case ErrDecode:
		return e.Code == CodeDecode
	case ErrInference:
		return e.Code == CodeInference
	case ErrNotImplemented:
		return e.Code == CodeNotImplemented
	}
	return false
}

// AsError returns err as an *Error, classifying unknown errors as inference
// failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return NewError(CodeInference, "Inference failed.", err)
}
