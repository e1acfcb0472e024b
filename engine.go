//go:build linux || darwin

package asyncsock

import (
	"net"
	"time"
)

// Engine is a TLS implementation driven by a [SecureChannel].
//
// An engine performs its ciphertext I/O through the [net.Conn] it was
// created with, which never blocks: where a blocking conn would wait, it
// returns an error satisfying iox.IsWouldBlock. Engines must propagate that
// condition out of every method, leaving themselves in a state where the
// call can be retried once the socket is ready.
//
// Engine methods are only ever called from the loop goroutine.
type Engine interface {
	// Handshake advances the handshake. It returns nil once the handshake
	// is complete, and a [*HandshakeError] (or any other error, treated
	// as [ReasonUnknown]) if it failed.
	Handshake() error
	// Read produces plaintext. It returns io.EOF once the peer has closed
	// the session.
	Read(p []byte) (int, error)
	// Write consumes plaintext, returning the number of bytes accepted.
	Write(p []byte) (int, error)
	// Close sends a close notification, on a best-effort basis. It must
	// not close the transport.
	Close() error
}

// EngineFactory creates an [Engine] over the transport provided by a
// [SecureChannel].
type EngineFactory func(transport net.Conn) (Engine, error)

// engineConn is the transport handed to an [Engine]. It resolves its
// owning channel by id, so an engine outliving its channel sees
// [ErrPumpNotFound] rather than a stale socket.
type engineConn struct {
	id uint64
}

var _ net.Conn = engineConn{}

func (c engineConn) Read(p []byte) (int, error) {
	sc := pumps.lookup(c.id)
	if sc == nil {
		return 0, ErrPumpNotFound
	}
	return sc.transportRead(p)
}

func (c engineConn) Write(p []byte) (int, error) {
	sc := pumps.lookup(c.id)
	if sc == nil {
		return 0, ErrPumpNotFound
	}
	return sc.transportWrite(p)
}

// Close is a no-op, the socket belongs to the channel.
func (engineConn) Close() error { return nil }

func (engineConn) LocalAddr() net.Addr  { return engineAddr{} }
func (engineConn) RemoteAddr() net.Addr { return engineAddr{} }

// Deadlines are meaningless for a transport that never blocks.
func (engineConn) SetDeadline(time.Time) error      { return nil }
func (engineConn) SetReadDeadline(time.Time) error  { return nil }
func (engineConn) SetWriteDeadline(time.Time) error { return nil }

type engineAddr struct{}

func (engineAddr) Network() string { return "asyncsock" }
func (engineAddr) String() string  { return "asyncsock" }
