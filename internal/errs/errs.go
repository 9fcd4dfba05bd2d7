// Package errs holds the error taxonomy shared by the engine packages.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport covers connect and send failures.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks malformed or out-of-order events. They are logged and
	// dropped; state is never mutated by them.
	ErrProtocol = errors.New("protocol error")

	// ErrAuthorizationDenied is a credential rejection. It never triggers an
	// automatic reconnect.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrResumeExpired is returned when persisted session data is older than
	// the resumption window.
	ErrResumeExpired = errors.New("resume window expired")
)

// TransportError records which transport operation failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// Transport wraps err as a TransportError for op. A nil err stays nil.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Err: err}
}

// Protocol wraps a malformed-event diagnostic.
func Protocol(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// IsAuthorization reports whether err is a credential rejection.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrAuthorizationDenied)
}
