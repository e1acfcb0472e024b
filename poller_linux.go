//go:build linux

package asyncsock

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollPoller manages I/O event registration using epoll (Linux).
//
// Registrations are level-triggered. The generation of each registration is
// carried in the event payload (Pad), so events that were queued by the
// kernel for a registration that has since been replaced are dropped.
type epollPoller struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte // Cache line padding //nolint:unused
	epfd     int32                 // epoll file descriptor
	wakefd   int32                 // eventfd, registered directly with epoll
	_        [sizeOfCacheLine - 8]byte //nolint:unused
	eventBuf [256]unix.EpollEvent // Preallocated event buffer
	table    fdTable
	closed   atomic.Bool
}

func newNativePoller() Poller {
	return &epollPoller{epfd: -1, wakefd: -1}
}

// Init initializes the epoll instance and its eventfd.
func (p *epollPoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}

	wakefd, _, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return err
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return err
	}

	p.epfd = int32(epfd)
	p.wakefd = int32(wakefd)
	p.table.init()
	return nil
}

// Close closes the epoll instance. It is idempotent.
func (p *epollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.wakefd >= 0 {
		_ = unix.Close(int(p.wakefd))
	}
	if p.epfd >= 0 {
		return unix.Close(int(p.epfd))
	}
	return nil
}

// Wakeup interrupts a blocked PollIO.
func (p *epollPoller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return signalWakeFd(int(p.wakefd))
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *epollPoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	gen, err := p.table.add(fd, events, cb)
	if err != nil {
		return err
	}

	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
		Pad:    int32(gen),
	}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.table.rollback(fd, gen)
		return err
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
//
// Events already gathered for the descriptor in the current PollIO batch are
// dropped, the callback is never invoked after UnregisterFD returns.
func (p *epollPoller) UnregisterFD(fd int) error {
	if _, err := p.table.remove(fd); err != nil {
		return err
	}
	if err := unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return err
	}
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *epollPoller) ModifyFD(fd int, events IOEvents) error {
	info, err := p.table.modify(fd, events)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{
		Events: eventsToEpoll(events),
		Fd:     int32(fd),
		Pad:    int32(info.gen),
	}
	return unix.EpollCtl(int(p.epfd), unix.EPOLL_CTL_MOD, fd, &ev)
}

// PollIO polls for I/O events, dispatching callbacks inline.
// Returns the number of events gathered, including wake-ups.
func (p *epollPoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(int(p.epfd), p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		ev := &p.eventBuf[i]
		fd := int(ev.Fd)
		if fd == int(p.wakefd) {
			drainWakeFd(fd)
			continue
		}
		p.table.dispatch(fd, uint32(ev.Pad), epollToEvents(ev.Events))
	}

	return n, nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
