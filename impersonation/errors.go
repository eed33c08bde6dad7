package impersonation

import (
	"errors"
	"fmt"
)

// Code identifies why an impersonation operation was refused.
type Code string

const (
	CodeValidation           Code = "ValidationError"
	CodeAuthorization        Code = "AuthorizationError"
	CodeForbidden            Code = "Forbidden"
	CodeSelfImpersonation    Code = "SelfImpersonation"
	CodeTargetNotFound       Code = "TargetNotFound"
	CodeAlreadyImpersonating Code = "AlreadyImpersonating"
	CodeNoActiveSession      Code = "NoActiveSession"
	CodeInternal             Code = "InternalError"
)

// Error is the result of a refused operation. Two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors, one per code.
var (
	ErrValidation           = &Error{Code: CodeValidation}
	ErrAuthorization        = &Error{Code: CodeAuthorization}
	ErrForbidden            = &Error{Code: CodeForbidden}
	ErrSelfImpersonation    = &Error{Code: CodeSelfImpersonation}
	ErrTargetNotFound       = &Error{Code: CodeTargetNotFound}
	ErrAlreadyImpersonating = &Error{Code: CodeAlreadyImpersonating}
	ErrNoActiveSession      = &Error{Code: CodeNoActiveSession}
	ErrInternal             = &Error{Code: CodeInternal}
)

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf returns the code carried by err. Errors that are not an *Error
// are reported as CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
