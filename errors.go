package asyncsock

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrLoopAlreadyRunning is returned when Run() is called on a loop that is already running.
	ErrLoopAlreadyRunning = errors.New("asyncsock: loop is already running")

	// ErrLoopTerminated is returned when operations are attempted on a terminated loop.
	ErrLoopTerminated = errors.New("asyncsock: loop has been terminated")

	// ErrReentrantRun is returned when Run() is called from within the loop itself.
	ErrReentrantRun = errors.New("asyncsock: cannot call Run() from within the loop")

	// ErrPumpNotFound is returned by the engine transport when its owning
	// secure channel is no longer registered.
	ErrPumpNotFound = errors.New("asyncsock: secure channel not registered")

	// ErrUnsupportedSocket is returned when a channel is constructed over a
	// socket that cannot serve it, e.g. a datagram socket for a secure channel.
	ErrUnsupportedSocket = errors.New("asyncsock: unsupported socket")
)

// PanicError wraps a value recovered from a panicking task or completion.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("asyncsock: panic: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
// This enables use with [errors.Is] and [errors.As].
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FailureReason classifies why a TLS handshake failed.
type FailureReason int

const (
	// ReasonUnknown covers every failure that is not a certificate problem.
	ReasonUnknown FailureReason = iota
	// ReasonInvalidCert indicates the peer certificate failed verification,
	// e.g. an unknown or missing root.
	ReasonInvalidCert
	// ReasonExpiredCert indicates the peer certificate (or a certificate in
	// its chain) is outside its validity period.
	ReasonExpiredCert
)

// String returns a human-readable representation of the reason.
func (r FailureReason) String() string {
	switch r {
	case ReasonUnknown:
		return "unknown"
	case ReasonInvalidCert:
		return "invalid certificate"
	case ReasonExpiredCert:
		return "expired certificate"
	default:
		return "FailureReason(" + fmt.Sprint(int(r)) + ")"
	}
}

// HandshakeError is returned by [Engine.Handshake] when the handshake cannot
// complete, and is the close cause of a [SecureChannel] that failed.
type HandshakeError struct {
	Err    error
	Reason FailureReason
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	if e.Err == nil {
		return "asyncsock: tls handshake failed: " + e.Reason.String()
	}
	return "asyncsock: tls handshake failed: " + e.Reason.String() + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause for use with [errors.Is] and [errors.As].
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// handshakeFailure normalizes any engine handshake error into a
// [*HandshakeError], defaulting to [ReasonUnknown].
func handshakeFailure(err error) *HandshakeError {
	var herr *HandshakeError
	if errors.As(err, &herr) {
		return herr
	}
	return &HandshakeError{Reason: ReasonUnknown, Err: err}
}
