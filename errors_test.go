package asyncsock

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicError_Unwrap(t *testing.T) {
	err := PanicError{Value: io.EOF}
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "asyncsock: panic: EOF", err.Error())
	assert.NoError(t, PanicError{Value: "boom"}.Unwrap())
}

func TestFailureReason_String(t *testing.T) {
	assert.Equal(t, "unknown", ReasonUnknown.String())
	assert.Equal(t, "invalid certificate", ReasonInvalidCert.String())
	assert.Equal(t, "expired certificate", ReasonExpiredCert.String())
	assert.Equal(t, "FailureReason(7)", FailureReason(7).String())
}

func TestHandshakeFailure(t *testing.T) {
	herr := &HandshakeError{Reason: ReasonExpiredCert, Err: io.ErrUnexpectedEOF}
	assert.Same(t, herr, handshakeFailure(fmt.Errorf("wrapped: %w", herr)))

	cause := errors.New("connection reset")
	got := handshakeFailure(cause)
	assert.Equal(t, ReasonUnknown, got.Reason)
	assert.ErrorIs(t, got, cause)
	assert.Equal(t, "asyncsock: tls handshake failed: unknown: connection reset", got.Error())

	assert.Equal(t, "asyncsock: tls handshake failed: invalid certificate", (&HandshakeError{Reason: ReasonInvalidCert}).Error())
}
