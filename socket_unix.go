//go:build linux || darwin

package asyncsock

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// FDSocket is a [DatagramSocket] over a raw, non-blocking descriptor.
type FDSocket struct {
	fd     int
	typ    SocketType
	closed atomic.Bool
}

var _ DatagramSocket = (*FDSocket)(nil)

// NewFDSocket takes ownership of fd, switching it to non-blocking mode. The
// socket type is read from SO_TYPE.
func NewFDSocket(fd int) (*FDSocket, error) {
	soType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, os.NewSyscallError("getsockopt", err)
	}

	var typ SocketType
	switch soType {
	case unix.SOCK_STREAM:
		typ = SocketStream
	case unix.SOCK_DGRAM, unix.SOCK_SEQPACKET:
		typ = SocketDatagram
	default:
		return nil, fmt.Errorf("%w: socket type %d", ErrUnsupportedSocket, soType)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}

	return &FDSocket{fd: fd, typ: typ}, nil
}

// SocketFromConn duplicates the descriptor of conn (e.g. a *net.TCPConn or
// *net.UDPConn) into a new [FDSocket]. The caller still owns conn, and
// should close it once the socket has been handed over.
func SocketFromConn(conn syscall.Conn) (*FDSocket, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	dupFD := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupFD, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("dup", dupErr)
	}
	unix.CloseOnExec(dupFD)

	sock, err := NewFDSocket(dupFD)
	if err != nil {
		_ = unix.Close(dupFD)
		return nil, err
	}
	return sock, nil
}

// Socketpair returns a connected pair of unix domain sockets of the given
// type.
func Socketpair(typ SocketType) (*FDSocket, *FDSocket, error) {
	soType := unix.SOCK_STREAM
	if typ == SocketDatagram {
		soType = unix.SOCK_DGRAM
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, soType, 0)
	if err != nil {
		return nil, nil, os.NewSyscallError("socketpair", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	a, err := NewFDSocket(fds[0])
	if err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := NewFDSocket(fds[1])
	if err != nil {
		_ = a.Close()
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// FD returns the underlying descriptor.
func (s *FDSocket) FD() int { return s.fd }

// Type returns the socket type.
func (s *FDSocket) Type() SocketType { return s.typ }

// Recv performs a single non-blocking receive.
func (s *FDSocket) Recv(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrapSyscallError("read", err)
		}
		return n, nil
	}
}

// Send performs a single non-blocking send.
func (s *FDSocket) Send(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrapSyscallError("write", err)
		}
		return n, nil
	}
}

// RecvFrom receives a single datagram, reporting its sender. A datagram
// larger than p is truncated.
func (s *FDSocket) RecvFrom(p []byte) (int, unix.Sockaddr, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, nil, wrapSyscallError("recvfrom", err)
		}
		return n, from, nil
	}
}

// SendTo sends a single datagram to the given peer. A nil peer sends to the
// connected address.
func (s *FDSocket) SendTo(p []byte, to unix.Sockaddr) (int, error) {
	for {
		n, err := unix.SendmsgN(s.fd, p, nil, to, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, wrapSyscallError("sendmsg", err)
		}
		return n, nil
	}
}

// Available returns the number of bytes queued for receipt.
func (s *FDSocket) Available() (int, error) {
	n, err := unix.IoctlGetInt(s.fd, ioctlAvailable)
	if err != nil {
		return 0, os.NewSyscallError("ioctl", err)
	}
	return n, nil
}

// Close closes the descriptor. Subsequent calls return nil.
func (s *FDSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// wrapSyscallError maps EAGAIN to iox.ErrWouldBlock, wrapping everything
// else as an [os.SyscallError].
func wrapSyscallError(name string, err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return iox.ErrWouldBlock
	}
	return os.NewSyscallError(name, err)
}
