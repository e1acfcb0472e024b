//go:build linux || darwin

package asyncsock

import (
	"fmt"
	"slices"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// readKind tags the variant of a readRequest.
type readKind uint8

const (
	// readThreshold accumulates until at least min bytes are held.
	readThreshold readKind = iota
	// readDatagram completes with the first datagram received.
	readDatagram
)

// readRequest is a queued read. Only the head of a queue is ever partially
// filled.
type readRequest struct {
	onData     func(data []byte)
	onDatagram func(data []byte, from unix.Sockaddr)
	buf        []byte
	min        int
	max        int
	kind       readKind
}

// writeRequest is a queued write. For streams, payload[sent:] is what
// remains to be transmitted.
type writeRequest struct {
	to      unix.Sockaddr
	payload []byte
	sent    int
}

func (r *writeRequest) remaining() []byte {
	return r.payload[r.sent:]
}

// checkReadBounds panics unless 1 <= minBytes <= maxBytes.
func checkReadBounds(minBytes, maxBytes int) {
	if minBytes < 1 || maxBytes < minBytes {
		panic(fmt.Sprintf("asyncsock: invalid read bounds: min=%d max=%d", minBytes, maxBytes))
	}
}

// readSource produces bytes for a read request.
type readSource interface {
	// recv reads up to len(p) bytes. It returns an error satisfying
	// iox.IsWouldBlock if nothing is available, or io.EOF on orderly
	// shutdown.
	recv(p []byte) (int, error)
	// available hints how many bytes the next recv can return, zero if
	// unknown.
	available() int
}

// fillRequest performs a single receive into the head request, bounded by
// its remaining capacity and the source's available hint. It reports
// whether the request reached its threshold.
//
// A would-block result is returned as an error, callers stop pumping on
// it and keep their notifier armed.
func fillRequest(req *readRequest, src readSource) (bool, error) {
	wanted := req.max - len(req.buf)
	if hint := src.available(); hint > 0 && hint < wanted {
		wanted = hint
	}

	req.buf = slices.Grow(req.buf, wanted)
	start := len(req.buf)
	n, err := src.recv(req.buf[start : start+wanted])
	if n > 0 {
		req.buf = req.buf[:start+n]
	}
	if err != nil {
		return false, err
	}
	return len(req.buf) >= req.min, nil
}

// writeSink consumes bytes of a write request.
type writeSink interface {
	send(p []byte, to unix.Sockaddr) (int, error)
}

// drainRequest performs a single send of the head request's remaining
// bytes. It reports whether the request is finished: fully sent for a
// stream, or any accepted send for a datagram. Would-block is reported as
// unfinished with no error.
func drainRequest(req *writeRequest, sink writeSink, datagram bool) (bool, error) {
	n, err := sink.send(req.remaining(), req.to)
	if err != nil {
		if iox.IsWouldBlock(err) {
			return false, nil
		}
		return false, err
	}
	if datagram {
		// never split, whatever was accepted was the whole unit
		return true, nil
	}
	req.sent += n
	return req.sent >= len(req.payload), nil
}
