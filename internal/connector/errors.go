package connector

import (
	"fmt"

	"github.com/pkg/errors"
)

// Class buckets connector failures by how the caller should react.
type Class int

const (
	// ClassTransient covers socket read/write/connect failures. Retried via
	// reconnect, never fatal by themselves.
	ClassTransient Class = iota + 1
	// ClassProtocol covers malformed frames and decompression failures. The
	// frame or batch is dropped and the connection is recycled as transient.
	ClassProtocol
	// ClassAuthExpired means the stored credential is no longer valid. Fatal
	// until external re-authorization completes.
	ClassAuthExpired
	// ClassExhausted means every candidate host failed. Fatal.
	ClassExhausted
	// ClassNormalization means a command payload was missing a required
	// field. The event is dropped; processing continues.
	ClassNormalization
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassProtocol:
		return "protocol"
	case ClassAuthExpired:
		return "auth-expired"
	case ClassExhausted:
		return "exhausted"
	case ClassNormalization:
		return "normalization"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Error carries the failure class alongside the cause.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Err: err}
}

func Transient(err error) error     { return classify(ClassTransient, err) }
func Protocol(err error) error      { return classify(ClassProtocol, err) }
func AuthExpired(err error) error   { return classify(ClassAuthExpired, err) }
func Exhausted(err error) error     { return classify(ClassExhausted, err) }
func Normalization(err error) error { return classify(ClassNormalization, err) }

// ClassOf walks the chain for a classified error; unclassified errors are
// treated as transient so that nothing crashes the hosting process.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// Fatal reports whether the error must stop automatic reconnection.
func Fatal(err error) bool {
	switch ClassOf(err) {
	case ClassAuthExpired, ClassExhausted:
		return true
	}
	return false
}
