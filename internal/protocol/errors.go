package protocol

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeInvalidArgument      ErrorCode = "invalid argument"
	ErrorCodeNoSuchFrame          ErrorCode = "no such frame"
	ErrorCodeNoSuchScript         ErrorCode = "no such script"
	ErrorCodeUnknownCommand       ErrorCode = "unknown command"
	ErrorCodeUnknownError         ErrorCode = "unknown error"
	ErrorCodeUnsupportedOperation ErrorCode = "unsupported operation"
)

// Error is the wire error shape. It doubles as a Go error so handlers can
// return it directly.
type Error struct {
	ID         *int64    `json:"id,omitempty"`
	Code       ErrorCode `json:"error"`
	Message    string    `json:"message"`
	Stacktrace string    `json:"stacktrace,omitempty"`
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithID returns a copy of e bound to the given command id.
func (e *Error) WithID(id int64) *Error {
	cp := *e
	cp.ID = &id
	return &cp
}

// AsError maps any error to a wire error. Errors that already carry a wire
// error are kept as is; everything else becomes an unknown error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var wireErr *Error
	if errors.As(err, &wireErr) {
		cp := *wireErr
		return &cp
	}
	return NewError(ErrorCodeUnknownError, "%s", err.Error())
}
