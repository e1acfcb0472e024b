//go:build linux || darwin

package asyncsock

// notifier is a start/stop readiness subscription for one direction of a
// descriptor. While active, its callback is invoked once per readiness
// event, for as long as the descriptor stays ready (level-triggered).
//
// Notifiers are confined to the loop goroutine.
type notifier struct {
	watch    *fdWatch
	callback func()
	active   bool
}

// setCallback replaces the callback. A nil callback is never invoked.
func (n *notifier) setCallback(cb func()) {
	n.callback = cb
}

// setActive starts or stops the notifier. It is idempotent, and safe to
// call from within the callback. Once stopped, the callback is not invoked
// again, even for an event gathered in the same poll.
func (n *notifier) setActive(active bool) error {
	if n.active == active {
		return nil
	}
	n.active = active
	return n.watch.update()
}

// fdWatch owns the read and write notifiers of a descriptor, and its
// registration with the loop's poller.
//
// The descriptor is registered only while at least one notifier is active,
// an idle descriptor is unregistered outright: a level-triggered poller
// would otherwise keep reporting hangup for it.
type fdWatch struct {
	loop       *Loop
	read       notifier
	write      notifier
	fd         int
	registered IOEvents
	closed     bool
}

func newFDWatch(loop *Loop, fd int) *fdWatch {
	w := &fdWatch{loop: loop, fd: fd}
	w.read.watch = w
	w.write.watch = w
	return w
}

// update reconciles the poller registration with the notifier states.
func (w *fdWatch) update() error {
	if w.closed {
		return nil
	}

	var want IOEvents
	if w.read.active {
		want |= EventRead
	}
	if w.write.active {
		want |= EventWrite
	}
	if want == w.registered {
		return nil
	}

	var err error
	switch {
	case w.registered == 0:
		err = w.loop.poller.RegisterFD(w.fd, want, w.handle)
	case want == 0:
		err = w.loop.poller.UnregisterFD(w.fd)
	default:
		err = w.loop.poller.ModifyFD(w.fd, want)
	}
	if err != nil {
		return err
	}
	w.registered = want
	return nil
}

// handle is the poller callback. Error and hangup conditions are delivered
// to every active notifier, so the next send or receive surfaces them.
func (w *fdWatch) handle(events IOEvents) {
	fault := events&(EventError|EventHangup) != 0

	if n := &w.read; !w.closed && n.active && n.callback != nil && (fault || events&EventRead != 0) {
		n.callback()
	}

	// the read callback may have stopped or torn down the watch
	if n := &w.write; !w.closed && n.active && n.callback != nil && (fault || events&EventWrite != 0) {
		n.callback()
	}
}

// close stops both notifiers and releases the registration. Callbacks are
// dropped, not invoked. The descriptor itself is left open.
func (w *fdWatch) close() {
	if w.closed {
		return
	}
	w.closed = true

	w.read.callback, w.read.active = nil, false
	w.write.callback, w.write.active = nil, false

	if w.registered != 0 {
		_ = w.loop.poller.UnregisterFD(w.fd)
		w.registered = 0
	}
}
