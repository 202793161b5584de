package replication

import (
	"errors"
	"fmt"

	"github.com/allen1211/baskets/pkg/common"
)

// Class decides what happens to an entry after a failed attempt.
type Class int

const (
	// Retryable fails over to the next alternative, then sleeps.
	Retryable Class = iota
	// Permanent and its variants drop the entry.
	Permanent
	AlreadyExistsPermanent
	InvalidArgumentPermanent
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "Retryable"
	case Permanent:
		return "Permanent"
	case AlreadyExistsPermanent:
		return "AlreadyExistsPermanent"
	case InvalidArgumentPermanent:
		return "InvalidArgumentPermanent"
	}
	return "Unknown"
}

func (c Class) Permanent() bool {
	return c != Retryable
}

// Error is a failed attempt with its class and the underlying cause.
type Error struct {
	Class Class
	Host  string
	Err   error
}

func (e *Error) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return fmt.Sprintf("%s from %s: %v", e.Class, e.Host, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(code common.Err) Class {
	switch code {
	case common.ErrAlreadyExists:
		return AlreadyExistsPermanent
	case common.ErrNotFound, common.ErrPrecondition, common.ErrStillExists:
		return Permanent
	case common.ErrBadRequest, common.ErrInvalidArgument:
		return InvalidArgumentPermanent
	}
	if common.IsProtocolError(code) {
		return InvalidArgumentPermanent
	}
	return Retryable
}

// classOf wraps err with its class. Errors without a code, such as broken
// connections, are retryable.
func classOf(host string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	var ce *common.Error
	if errors.As(err, &ce) {
		return &Error{Class: classify(ce.Code), Host: host, Err: err}
	}
	return &Error{Class: Retryable, Host: host, Err: err}
}

func permanent(format string, a ...interface{}) *Error {
	return &Error{Class: Permanent, Err: fmt.Errorf(format, a...)}
}
