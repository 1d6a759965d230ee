// Package errs defines the error taxonomy shared by the synchronization layer.
//
// Every failure surfaced by the registry, assembler, attachment cache and
// offline queue is an *Error carrying one of four kinds:
//   - KindConnection: the transport failed to establish, dropped or timed out.
//   - KindStream: an inbound payload was malformed or unexpected.
//   - KindPersistence: a durable write failed.
//   - KindValidation: the caller misused the API.
//
// Use the Is* predicates rather than type switches; they see through wrapping.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindConnection Kind = iota + 1
	KindStream
	KindPersistence
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindStream:
		return "stream"
	case KindPersistence:
		return "persistence"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Op names the operation (e.g. "registry.acquire"),
// Key the connection key, conversation or item id involved.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	prefix := e.Kind.String() + " error"
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Key != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Key)
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause from pkg/errors walk through an *Error.
func (e *Error) Cause() error { return e.Err }

func newError(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func Connection(op, key string, err error) error {
	if err == nil {
		err = errors.New("connection unavailable")
	}
	return newError(KindConnection, op, key, err)
}

func Stream(op, key string, err error) error {
	if err == nil {
		err = errors.New("unexpected payload")
	}
	return newError(KindStream, op, key, err)
}

func Persistence(op, key string, err error) error {
	if err == nil {
		err = errors.New("durable write failed")
	}
	return newError(KindPersistence, op, key, err)
}

func Validation(op, key, format string, args ...any) error {
	return newError(KindValidation, op, key, errors.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsConnection(err error) bool  { return KindOf(err) == KindConnection }
func IsStream(err error) bool      { return KindOf(err) == KindStream }
func IsPersistence(err error) bool { return KindOf(err) == KindPersistence }
func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
