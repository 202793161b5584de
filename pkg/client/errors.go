package client

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/allen1211/baskets/pkg/common"
	"github.com/allen1211/baskets/pkg/protocol"
)

// ClientError is returned by every Client call. The response or transport
// error it wraps stays reachable through errors.Is and errors.As, so
// errors.Is(err, common.NotFound) works.
type ClientError struct {
	Op    protocol.Opcode
	Code  common.Err
	err   error
	frame xerrors.Frame
}

func wrap(op protocol.Opcode, err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClientError); ok {
		return ce
	}
	return &ClientError{Op: op, Code: common.CodeOf(err), err: err, frame: xerrors.Caller(1)}
}

func newError(op protocol.Opcode, code common.Err, format string, a ...interface{}) error {
	return &ClientError{Op: op, Code: code, err: common.NewError(code, format, a...), frame: xerrors.Caller(1)}
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.err)
}

func (e *ClientError) Unwrap() error {
	return e.err
}

func (e *ClientError) Format(s fmt.State, v rune) {
	xerrors.FormatError(e, s, v)
}

func (e *ClientError) FormatError(p xerrors.Printer) error {
	p.Printf("%s %s", e.Op, e.Code)
	e.frame.Format(p)
	return e.err
}

// Retryable reports whether the caller may try again after a backoff.
func (e *ClientError) Retryable() bool {
	switch e.Code {
	case common.ErrTimeout, common.ErrServerStatus:
		return true
	}
	return false
}

func IsTimeout(err error) bool {
	var ce *ClientError
	return xerrors.As(err, &ce) && ce.Code == common.ErrTimeout
}
