package poolvm

import (
	"errors"
	"fmt"
)

// --- Identifiers -----------------------------------------------------------

// ID is an interned identifier. The VM never sees variable names, only IDs;
// mapping names to IDs is up to an interning table provided by the host.
type ID uint32

// NoID is the null identifier. Instructions carrying NoID as their target
// operate on an indexed element instead of a named variable.
const NoID ID = 0

// Names is a type for retrieving the name of an identifier. It is used for
// diagnostic messages only.
type Names interface {
	Name(ID) string
}

// --- Errors ----------------------------------------------------------------

// ErrorKind categorizes runtime errors.
type ErrorKind int8

// Kinds of runtime errors.
const (
	NoError           ErrorKind = iota
	ResourceExhausted           // allocation failed after collection
	UndefinedName               // identifier without binding
	TypeError                   // operation applied to incompatible value
	ArityError                  // wrong number or shape of arguments
	InternalError               // broken invariant of VM or compiler
)

func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "no error"
	case ResourceExhausted:
		return "out of memory"
	case UndefinedName:
		return "undefined name"
	case TypeError:
		return "type error"
	case ArityError:
		return "argument error"
	case InternalError:
		return "internal error"
	}
	return "unknown error"
}

// Fatal is a predicate: does an error of this kind end execution for good?
// Non-fatal errors abandon the current statement only.
func (k ErrorKind) Fatal() bool {
	return k == ResourceExhausted || k == InternalError
}

// Error is the error type of the runtime. Line is the source line which has
// been active when the error occured (0 if unknown).
type Error struct {
	Kind ErrorKind
	Msg  string
	Line int
}

// Errorf creates a new runtime error of a given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func (e *Error) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Msg, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// KindOf returns the error kind of err, if err is a runtime error. All other
// errors are considered to be internal errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// IsFatal is a predicate: is err a fatal error?
func IsFatal(err error) bool {
	return err != nil && KindOf(err).Fatal()
}

// Panic raises an internal error. Internal errors indicate a bug in the VM or
// in the compiler, not a user-level condition.
func Panic(format string, args ...interface{}) {
	panic(Errorf(InternalError, format, args...))
}
