package common

import (
	"errors"
	"fmt"
)

type Err string

const (
	OK                 Err = "OK"
	ErrProtocol        Err = "ProtocolError"
	ErrVersion         Err = "VersionError"
	ErrDirection       Err = "DirectionError"
	ErrUnsupportedOp   Err = "UnsupportedOpcode"
	ErrParse           Err = "ParseError"
	ErrBadRequest      Err = "BadRequest"
	ErrBadResponse     Err = "BadResponse"
	ErrServerStatus    Err = "ServerStatusError"
	ErrAlreadyExists   Err = "AlreadyExists"
	ErrNotFound        Err = "NotFound"
	ErrStillExists     Err = "StillExists"
	ErrPrecondition    Err = "PreconditionFailed"
	ErrInternal        Err = "InternalServerError"
	ErrBasketConflict  Err = "BasketConflict"
	ErrUnknownStatus   Err = "UnknownBasketStatus"
	ErrTimeout         Err = "Timeout"
	ErrInvalidArgument Err = "InvalidArgument"
	ErrNodeClosed      Err = "ErrNodeClosed"
)

// Error is the structured error carried in a response's "error" object.
type Error struct {
	Code    Err
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, common.NotFound) works
// for errors built with a message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func NewError(code Err, format string, a ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

var (
	NotFound       = &Error{Code: ErrNotFound}
	AlreadyExists  = &Error{Code: ErrAlreadyExists}
	StillExists    = &Error{Code: ErrStillExists}
	ServerStatus   = &Error{Code: ErrServerStatus}
	Timeout        = &Error{Code: ErrTimeout}
	BasketConflict = &Error{Code: ErrBasketConflict}
)

// CodeOf extracts the code of a structured error; anything else is internal.
func CodeOf(err error) Err {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal
}

// IsProtocolError reports whether code belongs to the wire-level family.
func IsProtocolError(code Err) bool {
	switch code {
	case ErrProtocol, ErrVersion, ErrDirection, ErrUnsupportedOp, ErrParse:
		return true
	}
	return false
}

// IsInternal reports whether code should be logged at error severity.
func IsInternal(code Err) bool {
	switch code {
	case ErrInternal, ErrBasketConflict, ErrUnknownStatus:
		return true
	}
	return false
}
