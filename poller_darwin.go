//go:build darwin

package asyncsock

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// kqueuePoller manages I/O event registration using kqueue (Darwin).
//
// Read and write interest are independent filters, added and deleted as the
// interest mask changes. Filters are level-triggered (no EV_CLEAR).
type kqueuePoller struct { // betteralign:ignore
	_        [sizeOfCacheLine]byte // Cache line padding //nolint:unused
	kq       int32                 // kqueue file descriptor
	wakeR    int32                 // wake pipe, read end
	wakeW    int32                 // wake pipe, write end
	_        [sizeOfCacheLine - 12]byte //nolint:unused
	eventBuf [256]unix.Kevent_t // Preallocated event buffer
	gens     [256]uint32        // Registration generations, snapshot per batch
	table    fdTable
	closed   atomic.Bool
}

func newNativePoller() Poller {
	return &kqueuePoller{kq: -1, wakeR: -1, wakeW: -1}
}

// Init initializes the kqueue instance and its wake pipe.
func (p *kqueuePoller) Init() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)

	r, w, err := createWakeFd()
	if err != nil {
		_ = unix.Close(kq)
		return err
	}

	if _, err := unix.Kevent(kq, eventsToKevents(r, EventRead, unix.EV_ADD|unix.EV_ENABLE), nil, nil); err != nil {
		_ = unix.Close(r)
		_ = unix.Close(w)
		_ = unix.Close(kq)
		return err
	}

	p.kq = int32(kq)
	p.wakeR = int32(r)
	p.wakeW = int32(w)
	p.table.init()
	return nil
}

// Close closes the kqueue instance. It is idempotent.
func (p *kqueuePoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.wakeR >= 0 {
		_ = unix.Close(int(p.wakeR))
		_ = unix.Close(int(p.wakeW))
	}
	if p.kq >= 0 {
		return unix.Close(int(p.kq))
	}
	return nil
}

// Wakeup interrupts a blocked PollIO.
func (p *kqueuePoller) Wakeup() error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return signalWakeFd(int(p.wakeW))
}

// RegisterFD registers a file descriptor for I/O event monitoring.
func (p *kqueuePoller) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}

	gen, err := p.table.add(fd, events, cb)
	if err != nil {
		return err
	}

	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(int(p.kq), kevents, nil, nil); err != nil {
			p.table.rollback(fd, gen)
			return err
		}
	}
	return nil
}

// UnregisterFD removes a file descriptor from monitoring.
func (p *kqueuePoller) UnregisterFD(fd int) error {
	info, err := p.table.remove(fd)
	if err != nil {
		return err
	}
	kevents := eventsToKevents(fd, info.events, unix.EV_DELETE)
	if len(kevents) > 0 {
		_, _ = unix.Kevent(int(p.kq), kevents, nil, nil) // Ignore errors on delete
	}
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (p *kqueuePoller) ModifyFD(fd int, events IOEvents) error {
	info, err := p.table.modify(fd, events)
	if err != nil {
		return err
	}
	oldEvents := info.events

	if oldEvents&^events != 0 {
		delKevents := eventsToKevents(fd, oldEvents&^events, unix.EV_DELETE)
		if len(delKevents) > 0 {
			_, _ = unix.Kevent(int(p.kq), delKevents, nil, nil) // Ignore errors
		}
	}

	if events&^oldEvents != 0 {
		addKevents := eventsToKevents(fd, events&^oldEvents, unix.EV_ADD|unix.EV_ENABLE)
		if len(addKevents) > 0 {
			if _, err := unix.Kevent(int(p.kq), addKevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// PollIO polls for I/O events, dispatching callbacks inline.
func (p *kqueuePoller) PollIO(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(int(p.kq), nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	// kevent carries no registration identity, so capture it before any
	// callback of this batch can replace a registration
	for i := 0; i < n; i++ {
		p.gens[i] = p.table.lookup(int(p.eventBuf[i].Ident)).gen
	}

	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd == int(p.wakeR) {
			drainWakeFd(fd)
			continue
		}
		p.table.dispatch(fd, p.gens[i], keventToEvents(&p.eventBuf[i]))
	}

	return n, nil
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t

	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}

	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}

	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
