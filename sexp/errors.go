package sexp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors.
type ErrorKind int

const (
	// RuntimeError is an abort raised by a native function.
	RuntimeError ErrorKind = iota
	// ParseError is malformed input, an unknown identifier or an internal
	// inconsistency in the term tree.
	ParseError
	// TypeError is an operand type mismatch.
	TypeError
	// ArityError is a wrong argument count to a fixed-arity function.
	ArityError
)

var (
	ErrAbort = errors.New("sexp: evaluation aborted")
	ErrParse = errors.New("sexp: parse error")
	ErrType  = errors.New("sexp: type error")
	ErrArity = errors.New("sexp: arity error")

	// ErrNoExpression is returned by Evaluate when nothing has been parsed.
	ErrNoExpression = errors.New("sexp: no expression parsed")
)

func (k ErrorKind) String() string {
	switch k {
	case ParseError:
		return "parse"
	case TypeError:
		return "type"
	case ArityError:
		return "arity"
	default:
		return "runtime"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case ParseError:
		return ErrParse
	case TypeError:
		return ErrType
	case ArityError:
		return ErrArity
	default:
		return ErrAbort
	}
}

// Error is the only error shape returned by Parse and Evaluate.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Pos is the byte offset in the input, or -1 when unknown.
	Pos int

	cause error
}

func (e *Error) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("%s error at offset %d: %s", e.Kind, e.Pos, e.Msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Msg)
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Abortf returns a RuntimeError. Native functions return it to stop the
// whole evaluation.
func Abortf(format string, args ...any) error {
	return &Error{Kind: RuntimeError, Msg: fmt.Sprintf(format, args...), Pos: -1}
}

// TypeErrorf returns a TypeError.
func TypeErrorf(format string, args ...any) error {
	return &Error{Kind: TypeError, Msg: fmt.Sprintf(format, args...), Pos: -1}
}

// ArityErrorf returns an ArityError.
func ArityErrorf(format string, args ...any) error {
	return &Error{Kind: ArityError, Msg: fmt.Sprintf(format, args...), Pos: -1}
}

func parseErrorf(pos int, format string, args ...any) *Error {
	return &Error{Kind: ParseError, Msg: fmt.Sprintf(format, args...), Pos: pos}
}

// asError converts anything a native function returned into an *Error.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: RuntimeError, Msg: err.Error(), Pos: -1, cause: err}
}
