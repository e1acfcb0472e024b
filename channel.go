//go:build linux || darwin

package asyncsock

import (
	"bytes"
	"errors"
	"io"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Channel is a queued, callback-completed reader and writer over a
// non-blocking [Socket].
//
// Every method is safe to call from any goroutine and returns immediately.
// Reads complete, in submission order, by invoking their callback on the
// channel's [Executor]. Writes are fire-and-forget: a failed write is only
// observable as the channel closing, see [Channel.Done] and [Channel.Err].
//
// Once closed, every operation is a no-op, and pending reads are dropped
// without their callbacks being invoked.
type Channel struct {
	lifecycle

	loop   *Loop
	sock   Socket
	dsock  DatagramSocket
	watch  *fdWatch
	exec   Executor
	logger *logiface.Logger[logiface.Event]

	// confined to the loop goroutine
	reads  fifo[readRequest]
	writes fifo[writeRequest]

	serial   uint32
	fastPath bool
}

// NewChannel binds sock to loop. The channel takes ownership of sock, which
// is closed exactly once, when the channel closes.
func NewChannel(loop *Loop, sock Socket, opts ...ChannelOption) (*Channel, error) {
	if loop == nil {
		return nil, errors.New("asyncsock: nil loop")
	}
	if sock == nil {
		return nil, errors.New("asyncsock: nil socket")
	}

	cfg, err := resolveChannelOptions(loop, opts)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		loop:     loop,
		sock:     sock,
		exec:     cfg.executor,
		logger:   cfg.logger,
		serial:   nextChannelSerial(),
		fastPath: !cfg.noFastPath,
	}
	if sock.Type() == SocketDatagram {
		c.dsock, _ = sock.(DatagramSocket)
	}
	c.watch = newFDWatch(loop, sock.FD())
	c.watch.read.setCallback(c.onReadable)
	c.watch.write.setCallback(c.onWritable)
	c.init()

	c.logger.Debug().
		Uint64(`channel`, uint64(c.serial)).
		Int(`fd`, sock.FD()).
		Str(`type`, sock.Type().String()).
		Log(`channel opened`)

	return c, nil
}

// Read queues a read that completes once at least minBytes, and at most
// maxBytes, have been received. It panics unless 1 <= minBytes <= maxBytes.
//
// The callback owns data.
func (c *Channel) Read(minBytes, maxBytes int, fn func(data []byte)) {
	checkReadBounds(minBytes, maxBytes)
	c.enqueueRead(readRequest{kind: readThreshold, min: minBytes, max: maxBytes, onData: fn})
}

// ReadExactly queues a read of exactly n bytes.
func (c *Channel) ReadExactly(n int, fn func(data []byte)) {
	c.Read(n, n, fn)
}

// ReadUpTo queues a read of between 1 and maxBytes bytes.
func (c *Channel) ReadUpTo(maxBytes int, fn func(data []byte)) {
	c.Read(1, maxBytes, fn)
}

// ReceiveFrom queues the receipt of a single datagram of up to maxBytes
// (longer datagrams are truncated), reporting its sender. It panics if the
// channel's socket is not a datagram [DatagramSocket], or if maxBytes < 1.
func (c *Channel) ReceiveFrom(maxBytes int, fn func(data []byte, from unix.Sockaddr)) {
	checkReadBounds(1, maxBytes)
	if c.dsock == nil {
		panic("asyncsock: ReceiveFrom requires a datagram socket")
	}
	c.enqueueRead(readRequest{kind: readDatagram, min: 1, max: maxBytes, onDatagram: fn})
}

// Write queues data for transmission. data is copied.
func (c *Channel) Write(data []byte) {
	c.enqueueWrite(writeRequest{payload: bytes.Clone(data)})
}

// WriteTo queues a datagram addressed to the given peer. data is copied. It
// panics if the channel's socket is not a datagram [DatagramSocket].
func (c *Channel) WriteTo(data []byte, to unix.Sockaddr) {
	if c.dsock == nil {
		panic("asyncsock: WriteTo requires a datagram socket")
	}
	c.enqueueWrite(writeRequest{payload: bytes.Clone(data), to: to})
}

// Close closes the channel and its socket. It is idempotent, and always
// returns nil. IsOpen reports false as soon as Close returns, while the
// release of the readiness registration and descriptor happens on the loop.
func (c *Channel) Close() error {
	if !c.markClosed(nil) {
		return nil
	}
	c.logger.Debug().
		Uint64(`channel`, uint64(c.serial)).
		Log(`channel closed`)
	if err := c.loop.execute(c.teardown); err != nil {
		c.loop.awaitDrained()
		c.teardown()
	}
	return nil
}

func (c *Channel) enqueueRead(req readRequest) {
	if !c.IsOpen() {
		return
	}
	c.onLoop(func() {
		if !c.IsOpen() {
			return
		}
		c.reads.Push(req)
		c.setActive(&c.watch.read, true)
	})
}

func (c *Channel) enqueueWrite(req writeRequest) {
	if !c.IsOpen() {
		return
	}
	c.onLoop(func() {
		if !c.IsOpen() {
			return
		}
		if c.fastPath && c.writes.Len() == 0 {
			done, err := drainRequest(&req, c, c.datagram())
			if err != nil {
				c.fail(err)
				return
			}
			if done {
				return
			}
		}
		c.writes.Push(req)
		c.setActive(&c.watch.write, true)
	})
}

// onReadable is the read pump. It services the head request once, and
// moves on to the next only if the head completed.
func (c *Channel) onReadable() {
	for c.IsOpen() && c.reads.Len() != 0 {
		req := c.reads.Front()

		if req.kind == readDatagram {
			if !c.receiveDatagram(req) {
				return
			}
			continue
		}

		done, err := fillRequest(req, c)
		if err != nil {
			if !iox.IsWouldBlock(err) {
				c.fail(err)
			}
			return
		}
		if !done {
			return
		}

		r, _ := c.reads.Pop()
		if r.onData != nil {
			c.complete(func() { r.onData(r.buf) })
		}
	}

	if c.IsOpen() {
		c.setActive(&c.watch.read, false)
	}
}

// receiveDatagram services a datagram request, reporting whether it
// completed.
func (c *Channel) receiveDatagram(req *readRequest) bool {
	buf := make([]byte, req.max)
	n, from, err := c.dsock.RecvFrom(buf)
	if err != nil {
		if !iox.IsWouldBlock(err) {
			c.fail(err)
		}
		return false
	}

	r, _ := c.reads.Pop()
	if r.onDatagram != nil {
		data := buf[:n]
		c.complete(func() { r.onDatagram(data, from) })
	}
	return true
}

// onWritable is the write pump. A partial stream send leaves the suffix at
// the head and waits for the next event.
func (c *Channel) onWritable() {
	datagram := c.datagram()
	for c.IsOpen() && c.writes.Len() != 0 {
		done, err := drainRequest(c.writes.Front(), c, datagram)
		if err != nil {
			c.fail(err)
			return
		}
		if !done {
			return
		}
		c.writes.Pop()
	}

	if c.IsOpen() {
		c.setActive(&c.watch.write, false)
	}
}

func (c *Channel) recv(p []byte) (int, error) {
	n, err := c.sock.Recv(p)
	if err == nil && n == 0 && len(p) != 0 && !c.datagram() {
		return 0, io.EOF
	}
	return n, err
}

func (c *Channel) available() int {
	n, err := c.sock.Available()
	if err != nil {
		return 0
	}
	return n
}

func (c *Channel) send(p []byte, to unix.Sockaddr) (int, error) {
	if to != nil {
		return c.dsock.SendTo(p, to)
	}
	return c.sock.Send(p)
}

func (c *Channel) datagram() bool {
	return c.sock.Type() == SocketDatagram
}

// setActive starts or stops a notifier, failing the channel if the poller
// rejects the change.
func (c *Channel) setActive(n *notifier, active bool) {
	if err := n.setActive(active); err != nil {
		c.fail(err)
	}
}

// complete dispatches a completion to the executor.
func (c *Channel) complete(fn func()) {
	if err := c.exec.Submit(guardCompletion(c.loop, c.logger, c.serial, fn)); err != nil {
		c.logger.Warning().
			Uint64(`channel`, uint64(c.serial)).
			Err(err).
			Log(`completion dropped`)
	}
}

// fail closes the channel from the loop, recording cause.
func (c *Channel) fail(cause error) {
	if !c.markClosed(cause) {
		return
	}
	if errors.Is(cause, io.EOF) {
		c.logger.Debug().
			Uint64(`channel`, uint64(c.serial)).
			Log(`channel closed by peer`)
	} else {
		c.logger.Warning().
			Uint64(`channel`, uint64(c.serial)).
			Err(cause).
			Log(`channel failed`)
	}
	c.teardown()
}

// teardown releases the notifiers, the queues, and the socket. It runs on
// the loop, exactly once.
func (c *Channel) teardown() {
	c.watch.close()
	c.reads.Clear()
	c.writes.Clear()
	if err := c.sock.Close(); err != nil {
		c.logger.Warning().
			Uint64(`channel`, uint64(c.serial)).
			Err(err).
			Log(`socket close failed`)
	}
}

// onLoop runs fn on the loop goroutine. If the loop no longer accepts work,
// the channel is abandoned: marked closed with [ErrLoopTerminated], and
// torn down on the calling goroutine, after the loop's final drain.
func (c *Channel) onLoop(fn func()) {
	if err := c.loop.execute(fn); err != nil && c.markClosed(err) {
		c.loop.awaitDrained()
		c.teardown()
	}
}
