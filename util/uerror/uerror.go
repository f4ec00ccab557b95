package uerror

import (
	"encoding/json"
	"errors"
)

// Status codes carried in responses. They follow the http numbering the
// protocol has always used so old clients keep understanding them.
const (
	CodeOK                int32 = 200
	CodeBadRequest        int32 = 400
	CodeNotFound          int32 = 404
	CodeTimeout           int32 = 405
	CodeResourceExhausted int32 = 429
	CodeInternal          int32 = 500
	CodeFull              int32 = 502
	CodeUnavailable       int32 = 503
)

type Error struct {
	Code   int32
	ErrMsg string
}

var (
	ErrRequestTimeout    = NewError(CodeTimeout, "request timeout")
	ErrRequestFull       = NewError(CodeFull, "request full")
	ErrEncoderNotFound   = NewError(CodeNotFound, "encoder not found")
	ErrMethodNotFound    = NewError(CodeNotFound, "method not found")
	ErrResourceExhausted = NewError(CodeResourceExhausted, "resource limit exceeded")
	ErrUnavailable       = NewError(CodeUnavailable, "server is shutting down")
	ErrHandlerPanic      = NewError(CodeInternal, "handler panicked")
	ErrBadRequest        = NewError(CodeBadRequest, "bad request")
)

func NewError(code int32, errMsg string) error {
	return &Error{Code: code, ErrMsg: errMsg}
}

func (e *Error) Error() string {
	if e == nil {
		return "nil"
	}
	bin, _ := json.Marshal(e)
	return string(bin)
}

// Is matches on the code alone, so errors.Is(err, ErrResourceExhausted)
// holds for any resource-exhausted error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// ParseError converts err to a coded error. Wrapped coded errors are
// unwrapped, a json encoded one (as sent over the wire) is decoded, and
// anything else becomes CodeInternal.
func ParseError(e error) *Error {
	if e == nil {
		return nil
	}
	var coded *Error
	if errors.As(e, &coded) && coded != nil {
		return coded
	}
	err := &Error{}
	if je := json.Unmarshal([]byte(e.Error()), err); je != nil || err.Code == 0 {
		err.Code = CodeInternal
		err.ErrMsg = e.Error()
	}
	return err
}

// Code returns the status code for err, CodeOK for nil.
func Code(err error) int32 {
	if err == nil {
		return CodeOK
	}
	return ParseError(err).Code
}
