//go:build linux || darwin

package asyncsock

import (
	"golang.org/x/sys/unix"
)

// SocketType classifies a socket. It decides how writes are queued: stream
// writes resume with their unsent suffix, datagram writes are attempted
// exactly once.
type SocketType int

const (
	// SocketStream is a byte stream, e.g. TCP or a SOCK_STREAM unix socket.
	SocketStream SocketType = iota
	// SocketDatagram is message oriented, e.g. UDP or SOCK_DGRAM.
	SocketDatagram
)

// String returns a human-readable representation of the type.
func (t SocketType) String() string {
	switch t {
	case SocketStream:
		return "stream"
	case SocketDatagram:
		return "datagram"
	default:
		return "unknown"
	}
}

// Socket is the raw, non-blocking endpoint a channel drives.
//
// Implementations must never block. Recv and Send return an error
// satisfying iox.IsWouldBlock when no progress can be made without
// blocking. Recv returning (0, nil) on a stream socket means the peer shut
// down its side of the connection.
type Socket interface {
	// FD returns the descriptor registered with the loop's [Poller].
	FD() int
	Type() SocketType
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	// Available reports how many bytes the next Recv would return, or
	// zero if unknown.
	Available() (int, error)
	Close() error
}

// DatagramSocket is a [Socket] that can address individual peers, as
// required by [Channel.ReceiveFrom] and [Channel.WriteTo].
type DatagramSocket interface {
	Socket
	RecvFrom(p []byte) (int, unix.Sockaddr, error)
	SendTo(p []byte, to unix.Sockaddr) (int, error)
}
