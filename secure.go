//go:build linux || darwin

package asyncsock

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// outbufHighWater is the amount of buffered ciphertext above which plaintext
// writes stop being fed to the engine.
const outbufHighWater = 64 << 10

// HandshakeState is the state of a [SecureChannel]'s handshake.
type HandshakeState uint32

const (
	// HandshakeInProgress is the initial state. Plaintext reads and writes
	// are queued, but not serviced.
	HandshakeInProgress HandshakeState = iota
	// HandshakeEstablished indicates the handshake succeeded.
	HandshakeEstablished
	// HandshakeFailed is terminal, the channel is closed.
	HandshakeFailed
)

// String returns a human-readable representation of the state.
func (s HandshakeState) String() string {
	switch s {
	case HandshakeInProgress:
		return "in progress"
	case HandshakeEstablished:
		return "established"
	case HandshakeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SecureHandler receives the notifications of a [SecureChannel], on its
// [Executor]. Each channel delivers at most one of HandshakeSucceeded and
// HandshakeFailed, and Disconnected only after HandshakeSucceeded.
type SecureHandler interface {
	HandshakeSucceeded(sc *SecureChannel)
	// HandshakeFailed reports a failed handshake, after which the channel
	// is closed.
	HandshakeFailed(sc *SecureChannel, err *HandshakeError)
	// Disconnected reports that an established channel closed for a reason
	// other than a local Close: io.EOF for an orderly shutdown by the peer,
	// otherwise the error that terminated it.
	Disconnected(sc *SecureChannel, err error)
}

// SecureHandlerFuncs implements [SecureHandler] with optional functions.
type SecureHandlerFuncs struct {
	OnHandshakeSucceeded func(sc *SecureChannel)
	OnHandshakeFailed    func(sc *SecureChannel, err *HandshakeError)
	OnDisconnected       func(sc *SecureChannel, err error)
}

var _ SecureHandler = SecureHandlerFuncs{}

func (x SecureHandlerFuncs) HandshakeSucceeded(sc *SecureChannel) {
	if x.OnHandshakeSucceeded != nil {
		x.OnHandshakeSucceeded(sc)
	}
}

func (x SecureHandlerFuncs) HandshakeFailed(sc *SecureChannel, err *HandshakeError) {
	if x.OnHandshakeFailed != nil {
		x.OnHandshakeFailed(sc, err)
	}
}

func (x SecureHandlerFuncs) Disconnected(sc *SecureChannel, err error) {
	if x.OnDisconnected != nil {
		x.OnDisconnected(sc, err)
	}
}

// SecureChannel layers a TLS session over a stream [Socket].
//
// It offers the reading and writing surface of [Channel], over plaintext.
// Reads and writes issued before the handshake completes are queued, and
// serviced once it succeeds. The handshake starts as soon as the channel is
// created.
//
// The [Engine] performs the ciphertext I/O itself, through a transport that
// reports would-block instead of waiting. The channel records which
// direction blocked, and arms the corresponding readiness notifier: the
// raw socket's readiness is the only thing that resumes a stalled engine.
type SecureChannel struct {
	lifecycle

	loop    *Loop
	sock    Socket
	watch   *fdWatch
	exec    Executor
	handler SecureHandler
	engine  Engine
	logger  *logiface.Logger[logiface.Event]

	// confined to the loop goroutine
	reads  fifo[readRequest]
	writes fifo[writeRequest]
	// ciphertext accepted from the engine, not yet sent
	outbuf []byte

	id    uint64
	state atomic.Uint32

	serial uint32

	// confined to the loop goroutine, the outcome of the engine's most
	// recent attempt at ciphertext I/O
	readBlocked  bool
	writeBlocked bool
}

// NewSecureChannel binds the stream socket sock to loop, and starts a
// handshake using the engine created by factory. Notifications are
// delivered to the handler set by [WithSecureHandler].
//
// The channel takes ownership of sock, unless an error is returned.
func NewSecureChannel(loop *Loop, sock Socket, factory EngineFactory, opts ...ChannelOption) (*SecureChannel, error) {
	if loop == nil {
		return nil, errors.New("asyncsock: nil loop")
	}
	if sock == nil {
		return nil, errors.New("asyncsock: nil socket")
	}
	if factory == nil {
		return nil, errors.New("asyncsock: nil engine factory")
	}
	if sock.Type() != SocketStream {
		return nil, ErrUnsupportedSocket
	}

	cfg, err := resolveChannelOptions(loop, opts)
	if err != nil {
		return nil, err
	}

	sc := &SecureChannel{
		loop:    loop,
		sock:    sock,
		exec:    cfg.executor,
		handler: cfg.handler,
		logger:  cfg.logger,
		serial:  nextChannelSerial(),
	}
	if sc.handler == nil {
		sc.handler = SecureHandlerFuncs{}
	}

	sc.id = pumps.register(sc)
	engine, err := factory(engineConn{id: sc.id})
	if err != nil {
		pumps.remove(sc.id)
		return nil, err
	}
	if engine == nil {
		pumps.remove(sc.id)
		return nil, errors.New("asyncsock: engine factory returned nil")
	}
	sc.engine = engine

	sc.watch = newFDWatch(loop, sock.FD())
	sc.watch.read.setCallback(sc.pump)
	sc.watch.write.setCallback(sc.pump)
	sc.init()

	sc.logger.Debug().
		Uint64(`channel`, uint64(sc.serial)).
		Int(`fd`, sock.FD()).
		Log(`secure channel opened`)

	sc.onLoop(sc.pump)

	return sc, nil
}

// HandshakeState returns the current handshake state.
func (sc *SecureChannel) HandshakeState() HandshakeState {
	return HandshakeState(sc.state.Load())
}

// Read queues a plaintext read, see [Channel.Read].
func (sc *SecureChannel) Read(minBytes, maxBytes int, fn func(data []byte)) {
	checkReadBounds(minBytes, maxBytes)
	req := readRequest{kind: readThreshold, min: minBytes, max: maxBytes, onData: fn}
	if !sc.IsOpen() {
		return
	}
	sc.onLoop(func() {
		if !sc.IsOpen() {
			return
		}
		sc.reads.Push(req)
		sc.pump()
	})
}

// ReadExactly queues a plaintext read of exactly n bytes.
func (sc *SecureChannel) ReadExactly(n int, fn func(data []byte)) {
	sc.Read(n, n, fn)
}

// ReadUpTo queues a plaintext read of between 1 and maxBytes bytes.
func (sc *SecureChannel) ReadUpTo(maxBytes int, fn func(data []byte)) {
	sc.Read(1, maxBytes, fn)
}

// Write queues plaintext for transmission. data is copied.
func (sc *SecureChannel) Write(data []byte) {
	req := writeRequest{payload: bytes.Clone(data)}
	if !sc.IsOpen() {
		return
	}
	sc.onLoop(func() {
		if !sc.IsOpen() {
			return
		}
		sc.writes.Push(req)
		sc.pump()
	})
}

// Close closes the channel, attempting to notify the peer if the handshake
// completed. It is idempotent, always returns nil, and triggers no
// notification.
func (sc *SecureChannel) Close() error {
	if !sc.markClosed(nil) {
		return nil
	}
	sc.logger.Debug().
		Uint64(`channel`, uint64(sc.serial)).
		Log(`secure channel closed`)
	if err := sc.loop.execute(sc.teardown); err != nil {
		sc.loop.awaitDrained()
		sc.teardown()
	}
	return nil
}

// pump is the callback for both readiness directions, and runs after every
// queued operation. It advances the handshake, then services the plaintext
// queues, then rearms the notifiers the engine is blocked on.
func (sc *SecureChannel) pump() {
	if !sc.IsOpen() {
		return
	}

	sc.readBlocked = false

	err := sc.step()
	if err == nil && sc.IsOpen() {
		err = sc.flush()
	}
	if err != nil {
		sc.fail(err)
		return
	}

	if sc.IsOpen() {
		sc.rearm()
	}
}

func (sc *SecureChannel) step() error {
	if err := sc.flush(); err != nil {
		return err
	}

	if sc.HandshakeState() == HandshakeInProgress {
		err := sc.engine.Handshake()
		switch {
		case err == nil:
			sc.established()
		case iox.IsWouldBlock(err):
			return nil
		default:
			sc.handshakeFailed(handshakeFailure(err))
			return nil
		}
	}

	if err := sc.pumpReads(); err != nil {
		return err
	}
	return sc.pumpWrites()
}

// pumpReads services plaintext reads. Unlike [Channel], a partially filled
// read is retried until the engine blocks: plaintext already decrypted by
// the engine would never raise another readiness event.
func (sc *SecureChannel) pumpReads() error {
	for sc.IsOpen() && sc.reads.Len() != 0 {
		done, err := fillRequest(sc.reads.Front(), sc)
		if err != nil {
			if iox.IsWouldBlock(err) {
				return nil
			}
			return err
		}
		if !done {
			continue
		}

		r, _ := sc.reads.Pop()
		if r.onData != nil {
			sc.dispatch(func() { r.onData(r.buf) })
		}
	}
	return nil
}

// pumpWrites services plaintext writes, stopping at the first partial
// write, or once enough ciphertext is waiting on the socket.
func (sc *SecureChannel) pumpWrites() error {
	for sc.IsOpen() && sc.writes.Len() != 0 && len(sc.outbuf) < outbufHighWater {
		done, err := drainRequest(sc.writes.Front(), sc, false)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		sc.writes.Pop()
	}
	return nil
}

// rearm activates the read notifier while the engine needs ciphertext for
// the handshake or a pending read, and the write notifier while ciphertext
// is waiting on the socket or plaintext writes are held back by it.
func (sc *SecureChannel) rearm() {
	wantRead, wantWrite := false, sc.writeBlocked
	switch sc.HandshakeState() {
	case HandshakeInProgress:
		wantRead = sc.readBlocked
	case HandshakeEstablished:
		wantRead = sc.reads.Len() != 0
		wantWrite = wantWrite || sc.writes.Len() != 0
	}

	if err := sc.watch.read.setActive(wantRead); err != nil {
		sc.fail(err)
		return
	}
	if err := sc.watch.write.setActive(wantWrite); err != nil {
		sc.fail(err)
	}
}

// recv reads plaintext from the engine.
func (sc *SecureChannel) recv(p []byte) (int, error) {
	n, err := sc.engine.Read(p)
	if n == 0 && err == nil {
		return 0, iox.ErrWouldBlock
	}
	return n, err
}

func (*SecureChannel) available() int { return 0 }

// send writes plaintext to the engine.
func (sc *SecureChannel) send(p []byte, _ unix.Sockaddr) (int, error) {
	return sc.engine.Write(p)
}

// transportRead is the engine's ciphertext read.
func (sc *SecureChannel) transportRead(p []byte) (int, error) {
	n, err := sc.sock.Recv(p)
	if err != nil {
		if iox.IsWouldBlock(err) {
			sc.readBlocked = true
		}
		return 0, err
	}
	if n == 0 && len(p) != 0 {
		return 0, io.EOF
	}
	return n, nil
}

// transportWrite is the engine's ciphertext write. It always accepts p in
// full, buffering whatever the socket does not take.
func (sc *SecureChannel) transportWrite(p []byte) (int, error) {
	sc.outbuf = append(sc.outbuf, p...)
	if err := sc.flush(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// flush performs a single send of the buffered ciphertext.
func (sc *SecureChannel) flush() error {
	if len(sc.outbuf) == 0 {
		sc.writeBlocked = false
		return nil
	}

	n, err := sc.sock.Send(sc.outbuf)
	if err != nil {
		if iox.IsWouldBlock(err) {
			sc.writeBlocked = true
			return nil
		}
		return err
	}

	rest := copy(sc.outbuf, sc.outbuf[n:])
	sc.outbuf = sc.outbuf[:rest]
	sc.writeBlocked = rest != 0
	return nil
}

func (sc *SecureChannel) established() {
	sc.state.Store(uint32(HandshakeEstablished))
	sc.logger.Debug().
		Uint64(`channel`, uint64(sc.serial)).
		Log(`tls handshake established`)
	sc.dispatch(func() { sc.handler.HandshakeSucceeded(sc) })
}

// handshakeFailed closes the channel with herr, notifying the handler. A
// channel closed locally while handshaking is not notified.
func (sc *SecureChannel) handshakeFailed(herr *HandshakeError) {
	if !sc.markClosed(herr) {
		return
	}
	sc.state.Store(uint32(HandshakeFailed))
	sc.logger.Warning().
		Uint64(`channel`, uint64(sc.serial)).
		Str(`reason`, herr.Reason.String()).
		Err(herr.Err).
		Log(`tls handshake failed`)
	sc.dispatch(func() { sc.handler.HandshakeFailed(sc, herr) })
	sc.teardown()
}

// fail closes the channel from the loop, recording cause.
func (sc *SecureChannel) fail(cause error) {
	if sc.HandshakeState() == HandshakeInProgress {
		sc.handshakeFailed(handshakeFailure(cause))
		return
	}
	if !sc.markClosed(cause) {
		return
	}
	if errors.Is(cause, io.EOF) {
		sc.logger.Debug().
			Uint64(`channel`, uint64(sc.serial)).
			Log(`secure channel closed by peer`)
	} else {
		sc.logger.Warning().
			Uint64(`channel`, uint64(sc.serial)).
			Err(cause).
			Log(`secure channel failed`)
	}
	sc.dispatch(func() { sc.handler.Disconnected(sc, cause) })
	sc.teardown()
}

// teardown sends a close notification if possible, then releases the
// notifiers, the queues, the registration, and the socket.
func (sc *SecureChannel) teardown() {
	if sc.HandshakeState() == HandshakeEstablished {
		if err := sc.engine.Close(); err == nil {
			_ = sc.flush()
		}
	}
	sc.watch.close()
	sc.reads.Clear()
	sc.writes.Clear()
	sc.outbuf = nil
	pumps.remove(sc.id)
	if err := sc.sock.Close(); err != nil {
		sc.logger.Warning().
			Uint64(`channel`, uint64(sc.serial)).
			Err(err).
			Log(`socket close failed`)
	}
}

// dispatch submits a completion or notification to the executor.
func (sc *SecureChannel) dispatch(fn func()) {
	if err := sc.exec.Submit(guardCompletion(sc.loop, sc.logger, sc.serial, fn)); err != nil {
		sc.logger.Warning().
			Uint64(`channel`, uint64(sc.serial)).
			Err(err).
			Log(`notification dropped`)
	}
}

// onLoop runs fn on the loop goroutine, abandoning the channel if the loop
// no longer accepts work.
func (sc *SecureChannel) onLoop(fn func()) {
	if err := sc.loop.execute(fn); err != nil && sc.markClosed(err) {
		sc.loop.awaitDrained()
		sc.teardown()
	}
}
