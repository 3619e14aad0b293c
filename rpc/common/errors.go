package common

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an error. Codes travel inside error packages so the
// receiving side can rebuild the same Error.
type ErrorCode uint8

const (
	CodeInternal ErrorCode = iota + 1 // unexpected failure, logged critical
	CodeProtocol                      // malformed frame or payload
	CodeAuth                          // unauthenticated or bad secret
	CodeNode                          // node is not in the required status
	CodeQuorum                        // not enough accepts or no reachable quorum
	CodeLookup                        // unknown node, collection or thing
	CodeOverflow                      // a limit was reached
	CodeBadData                       // request is well-formed but invalid
	CodeMaxQuota                      // cluster capacity exhausted
	CodeTimeout                       // request timed out
)

// String returns the name of the code
func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal error"
	case CodeProtocol:
		return "protocol error"
	case CodeAuth:
		return "auth error"
	case CodeNode:
		return "node error"
	case CodeQuorum:
		return "quorum error"
	case CodeLookup:
		return "lookup error"
	case CodeOverflow:
		return "overflow error"
	case CodeBadData:
		return "bad data"
	case CodeMaxQuota:
		return "max quota error"
	case CodeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error(%d)", uint8(c))
	}
}

// Error is an error with a code from the taxonomy above
type Error struct {
	Code ErrorCode
	Msg  string
}

// NewError creates an Error with a formatted message
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Code.String() + ": " + e.Msg
}

// Is matches any *Error with the same code, so errors.Is(err, ErrQuorum) works
// for every quorum error regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

// Sentinels for errors.Is comparisons, one per code
var (
	ErrInternal = &Error{Code: CodeInternal}
	ErrProtocol = &Error{Code: CodeProtocol}
	ErrAuth     = &Error{Code: CodeAuth}
	ErrNode     = &Error{Code: CodeNode}
	ErrQuorum   = &Error{Code: CodeQuorum}
	ErrLookup   = &Error{Code: CodeLookup}
	ErrOverflow = &Error{Code: CodeOverflow}
	ErrBadData  = &Error{Code: CodeBadData}
	ErrMaxQuota = &Error{Code: CodeMaxQuota}
	ErrTimeout  = &Error{Code: CodeTimeout}
)

// CodeOf returns the code of err, CodeInternal for errors without one
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
