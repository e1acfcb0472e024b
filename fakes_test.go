//go:build linux || darwin

package asyncsock

import (
	"bytes"
	"context"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/iox"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeFDs hands out descriptors well above anything the process opens.
var fakeFDs atomic.Int64

func init() {
	fakeFDs.Store(1 << 20)
}

// fakePoller is a level-triggered [Poller] over fakeSockets, polling their
// readiness directly.
type fakePoller struct {
	regs    map[int]*fakeReg
	sockets map[int]*fakeSocket
	wake    chan struct{}
	mu      sync.Mutex
	closed  bool
}

type fakeReg struct {
	cb     IOCallback
	events IOEvents
}

func newFakePoller() *fakePoller {
	return &fakePoller{
		regs:    make(map[int]*fakeReg),
		sockets: make(map[int]*fakeSocket),
		wake:    make(chan struct{}, 1),
	}
}

func (p *fakePoller) attach(s *fakeSocket) {
	p.mu.Lock()
	p.sockets[s.fd] = s
	p.mu.Unlock()
	s.mu.Lock()
	s.poller = p
	s.mu.Unlock()
}

func (p *fakePoller) registered(fd int) (IOEvents, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.regs[fd]
	if !ok {
		return 0, false
	}
	return reg.events, true
}

func (p *fakePoller) Init() error { return nil }

func (p *fakePoller) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePoller) Wakeup() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *fakePoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	if _, ok := p.regs[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	p.regs[fd] = &fakeReg{cb: cb, events: events}
	return nil
}

func (p *fakePoller) UnregisterFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.regs[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.regs, fd)
	return nil
}

func (p *fakePoller) ModifyFD(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	reg, ok := p.regs[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	reg.events = events
	return nil
}

func (p *fakePoller) PollIO(timeoutMs int) (int, error) {
	if n := p.dispatch(); n != 0 || timeoutMs == 0 {
		return n, nil
	}
	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-p.wake:
	case <-timer.C:
	}
	return p.dispatch(), nil
}

func (p *fakePoller) dispatch() int {
	p.mu.Lock()
	fds := slices.Sorted(maps.Keys(p.regs))
	p.mu.Unlock()

	var n int
	for _, fd := range fds {
		p.mu.Lock()
		reg, ok := p.regs[fd]
		var events IOEvents
		if ok {
			events = reg.events
		}
		s := p.sockets[fd]
		p.mu.Unlock()
		if !ok || s == nil {
			continue
		}
		ready := s.readiness() & (events | EventError | EventHangup)
		if ready == 0 {
			continue
		}
		reg.cb(ready)
		n++
	}
	return n
}

// fakeSocket is an in-memory [DatagramSocket]. Inbound data arrives in
// chunks, and a receive never spans two chunks. Each send accepts at most
// sendCap bytes, a zero sendCap means would-block.
type fakeSocket struct {
	poller   *fakePoller
	recvErr  error
	sendErr  error
	inbound  [][]byte
	froms    []unix.Sockaddr
	sends    [][]byte
	sentTo   []unix.Sockaddr
	out      bytes.Buffer
	mu       sync.Mutex
	fd       int
	sendCap  int
	recvs    int
	closes   int
	typ      SocketType
	eof      bool
	noHint   bool
	isClosed bool

	// sends to refuse before honoring sendCap again
	blockSends int
}

var _ DatagramSocket = (*fakeSocket)(nil)

func newFakeSocket(typ SocketType) *fakeSocket {
	return &fakeSocket{fd: int(fakeFDs.Add(1)), typ: typ, sendCap: 1 << 20}
}

func (s *fakeSocket) notify() {
	if s.poller != nil {
		_ = s.poller.Wakeup()
	}
}

// feed queues an inbound chunk (a datagram, for datagram sockets).
func (s *fakeSocket) feed(chunk ...byte) {
	s.feedFrom(nil, chunk...)
}

func (s *fakeSocket) feedFrom(from unix.Sockaddr, chunk ...byte) {
	s.mu.Lock()
	s.inbound = append(s.inbound, slices.Clone(chunk))
	s.froms = append(s.froms, from)
	s.mu.Unlock()
	s.notify()
}

// shutdown makes receives report orderly shutdown once inbound is drained.
func (s *fakeSocket) shutdown() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.notify()
}

func (s *fakeSocket) failRecv(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
	s.notify()
}

func (s *fakeSocket) failSend(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
	s.notify()
}

func (s *fakeSocket) setSendCap(n int) {
	s.mu.Lock()
	s.sendCap = n
	s.mu.Unlock()
	s.notify()
}

// blockNextSends makes the next n sends would-block, while the socket still
// polls as writable.
func (s *fakeSocket) blockNextSends(n int) {
	s.mu.Lock()
	s.blockSends = n
	s.mu.Unlock()
}

func (s *fakeSocket) output() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.out.Bytes())
}

func (s *fakeSocket) sendCalls() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sends)
}

func (s *fakeSocket) recvCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvs
}

func (s *fakeSocket) closeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSocket) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, chunk := range s.inbound {
		n += len(chunk)
	}
	return n
}

func (s *fakeSocket) readiness() IOEvents {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events IOEvents
	if len(s.inbound) != 0 || s.eof || s.recvErr != nil {
		events |= EventRead
	}
	if s.sendCap > 0 || s.sendErr != nil {
		events |= EventWrite
	}
	if s.eof {
		events |= EventHangup
	}
	return events
}

func (s *fakeSocket) FD() int { return s.fd }

func (s *fakeSocket) Type() SocketType { return s.typ }

func (s *fakeSocket) Recv(p []byte) (int, error) {
	n, _, err := s.RecvFrom(p)
	return n, err
}

func (s *fakeSocket) RecvFrom(p []byte) (int, unix.Sockaddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvs++
	if s.recvErr != nil {
		return 0, nil, s.recvErr
	}
	if len(s.inbound) == 0 {
		if s.eof {
			return 0, nil, nil
		}
		return 0, nil, iox.ErrWouldBlock
	}

	chunk, from := s.inbound[0], s.froms[0]
	n := copy(p, chunk)
	if s.typ == SocketDatagram || n == len(chunk) {
		s.inbound = s.inbound[1:]
		s.froms = s.froms[1:]
	} else {
		s.inbound[0] = chunk[n:]
	}
	return n, from, nil
}

func (s *fakeSocket) Send(p []byte) (int, error) {
	return s.SendTo(p, nil)
}

func (s *fakeSocket) SendTo(p []byte, to unix.Sockaddr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	if s.sendCap <= 0 {
		return 0, iox.ErrWouldBlock
	}
	if s.blockSends > 0 {
		s.blockSends--
		return 0, iox.ErrWouldBlock
	}
	n := min(len(p), s.sendCap)
	s.sends = append(s.sends, slices.Clone(p[:n]))
	s.sentTo = append(s.sentTo, to)
	s.out.Write(p[:n])
	return n, nil
}

func (s *fakeSocket) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noHint || len(s.inbound) == 0 {
		return 0, nil
	}
	return len(s.inbound[0]), nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.isClosed = true
	return nil
}

// waitForRunning waits for the loop goroutine to start.
func waitForRunning(t *testing.T, loop *Loop) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		switch loop.State() {
		case StateRunning, StateSleeping:
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for loop to start running")
		default:
			runtime.Gosched()
		}
	}
}

// startLoop runs a new loop until the end of the test.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()

	loop, err := New(opts...)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()
	waitForRunning(t, loop)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case <-runDone:
		case <-time.After(5 * time.Second):
			t.Error("loop didn't stop")
		}
	})

	return loop
}

// startFakeLoop runs a new loop over a fakePoller.
func startFakeLoop(t *testing.T, opts ...LoopOption) (*Loop, *fakePoller) {
	t.Helper()
	p := newFakePoller()
	opts = append(opts, WithPoller(func() Poller { return p }))
	return startLoop(t, opts...), p
}

// onLoopSync runs fn on the loop goroutine and waits for it.
func onLoopSync(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

// recv waits for a value from ch.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
		panic("unreachable")
	}
}

// quiet fails if ch yields a value within a short window.
func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// syncBuffer is a goroutine safe log sink.
type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestLogger returns a debug level JSON logger writing to buf.
func newTestLogger(buf *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(buf),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
