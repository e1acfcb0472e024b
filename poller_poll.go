//go:build linux || darwin

package asyncsock

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable poll(2) backend.
//
// The pollfd set is rebuilt lazily, at the start of PollIO, whenever a
// registration changed since the previous poll. Slot zero is always the
// wake-up descriptor.
type pollPoller struct {
	pfds   []unix.PollFd
	gens   []uint32
	table  fdTable
	wakeR  int
	wakeW  int
	dirty  atomic.Bool
	closed atomic.Bool
}

// Init creates the wake-up descriptor.
func (p *pollPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	r, w, err := createWakeFd()
	if err != nil {
		return err
	}
	p.wakeR, p.wakeW = r, w
	p.table.init()
	p.dirty.Store(true)
	return nil
}

// Close releases the wake-up descriptor. It is idempotent.
func (p *pollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := unix.Close(p.wakeR)
	if p.wakeW != p.wakeR {
		_ = unix.Close(p.wakeW)
	}
	return err
}

// Wakeup interrupts a blocked PollIO.
func (p *pollPoller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return signalWakeFd(p.wakeW)
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *pollPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if _, err := p.table.add(fd, events, cb); err != nil {
		return err
	}
	p.dirty.Store(true)
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
func (p *pollPoller) UnregisterFD(fd int) error {
	if _, err := p.table.remove(fd); err != nil {
		return err
	}
	p.dirty.Store(true)
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *pollPoller) ModifyFD(fd int, events IOEvents) error {
	if _, err := p.table.modify(fd, events); err != nil {
		return err
	}
	p.dirty.Store(true)
	return nil
}

// PollIO polls for I/O events, dispatching callbacks inline.
func (p *pollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	if p.dirty.Swap(false) {
		p.rebuild()
	}

	n, err := unix.Poll(p.pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if p.pfds[0].Revents != 0 {
		p.pfds[0].Revents = 0
		drainWakeFd(p.wakeR)
	}

	for i := 1; i < len(p.pfds); i++ {
		revents := p.pfds[i].Revents
		if revents == 0 {
			continue
		}
		p.pfds[i].Revents = 0
		p.table.dispatch(int(p.pfds[i].Fd), p.gens[i], pollToEvents(revents))
	}

	return n, nil
}

// rebuild regenerates the pollfd set from the registration table.
func (p *pollPoller) rebuild() {
	p.pfds = append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	p.gens = append(p.gens[:0], 0)

	p.table.mu.RLock()
	defer p.table.mu.RUnlock()
	for fd := range p.table.fds {
		info := &p.table.fds[fd]
		if !info.active {
			continue
		}
		p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: eventsToPoll(info.events)})
		p.gens = append(p.gens, info.gen)
	}
}

// eventsToPoll converts IOEvents to poll(2) event flags.
func eventsToPoll(events IOEvents) int16 {
	var pollEvents int16
	if events&EventRead != 0 {
		pollEvents |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		pollEvents |= unix.POLLOUT
	}
	return pollEvents
}

// pollToEvents converts poll(2) revents to IOEvents.
func pollToEvents(revents int16) IOEvents {
	var events IOEvents
	if revents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
