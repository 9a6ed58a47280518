// Package dberr is the error taxonomy of the data access layer.
//
// Every terminal error that leaves the client is an *Error carrying one of
// five kinds and the name of the adapter that produced it. Adapters translate
// their native failures with Wrap or Classify; callers branch with IsKind or
// KindOf and never see a backend-specific error shape.
//
// Not finding a record is a result, not a failure: adapters return
// ErrNotFound (wrapped or bare). It is never retried and the circuit breaker
// treats it as a healthy response.
package dberr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrNotFound reports that no record matched the collection, tenant and id.
var ErrNotFound = errors.New("record not found")

// ErrExists reports that a create hit an ID already stored for the tenant.
// Adapters wrap it in a KindValidation error.
var ErrExists = errors.New("record already exists")

// Kind classifies a failure.
type Kind uint8

const (
	// KindDatabase is any other backend failure. It is the zero value so
	// that an unclassified error never looks retryable without reason.
	KindDatabase Kind = iota
	KindValidation
	KindConnection
	KindTimeout
	KindAuthentication
)

var kindNames = [...]string{
	KindDatabase:       "database",
	KindValidation:     "validation",
	KindConnection:     "connection",
	KindTimeout:        "timeout",
	KindAuthentication: "authentication",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Transient reports whether a failure of this kind may succeed on retry.
func (k Kind) Transient() bool {
	return k == KindConnection || k == KindTimeout
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Adapter string // adapter name, empty when no adapter was touched
	Op      string // operation name, e.g. "get"
	Err     error
}

func (e *Error) Error() string {
	var prefix string
	switch {
	case e.Adapter != "" && e.Op != "":
		prefix = e.Adapter + " " + e.Op + ": "
	case e.Adapter != "":
		prefix = e.Adapter + ": "
	case e.Op != "":
		prefix = e.Op + ": "
	}
	if e.Err == nil {
		return prefix + e.Kind.String() + " error"
	}
	return prefix + e.Kind.String() + " error: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error from a message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation is a shorthand for a KindValidation error raised before any
// adapter is touched.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// Wrap classifies err with the given kind. A nil err yields nil.
func Wrap(kind Kind, adapter, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Adapter: adapter, Op: op, Err: err}
}

// Tag returns err as an *Error attributed to adapter and op. An error that
// is already classified keeps its kind and gains the adapter/op only when
// they are unset; anything else is classified first. ErrNotFound and nil
// pass through untouched.
func Tag(adapter, op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Adapter != "" && de.Op != "" {
			return err
		}
		cp := *de
		if cp.Adapter == "" {
			cp.Adapter = adapter
		}
		if cp.Op == "" {
			cp.Op = op
		}
		return &cp
	}
	return &Error{Kind: Classify(err), Adapter: adapter, Op: op, Err: err}
}

// KindOf returns the kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is classified with kind k.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// AdapterOf returns the adapter a classified error is attributed to.
func AdapterOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Adapter
	}
	return ""
}

// Classify infers a kind for err.
//
// Already classified errors keep their kind. Deadlines and cancellations are
// Timeout. Network errors, EOF and refused/reset connections are Connection.
// Everything else is Database.
func Classify(err error) Kind {
	if k, ok := KindOf(err); ok {
		return k
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return KindConnection
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.EHOSTUNREACH):
		return KindConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}
	return KindDatabase
}
