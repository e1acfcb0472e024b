//go:build linux || darwin

package asyncsock

import (
	"errors"
	"sync"
)

// sizeOfCacheLine is used to pad hot poller fields.
const sizeOfCacheLine = 64

// Maximum file descriptor we support with direct indexing.
const maxFDs = 1024

// maxFDLimit is the maximum FD value we support for dynamic growth.
const maxFDLimit = 100000000

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// Poller errors.
var (
	ErrFDOutOfRange        = errors.New("asyncsock: fd out of range (max 100000000)")
	ErrFDAlreadyRegistered = errors.New("asyncsock: fd already registered")
	ErrFDNotRegistered     = errors.New("asyncsock: fd not registered")
	ErrPollerClosed        = errors.New("asyncsock: poller closed")
)

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// Poller is a level-triggered readiness source. While a descriptor is
// registered, its callback is invoked from PollIO once per poll for as long
// as any of the requested conditions holds. Error and hangup conditions are
// always reported, regardless of the requested events.
//
// PollIO is only ever called by one goroutine, the owning [Loop]. Wakeup may
// be called from any goroutine, and causes a blocked PollIO to return.
type Poller interface {
	Init() error
	Close() error
	Wakeup() error
	RegisterFD(fd int, events IOEvents, cb IOCallback) error
	UnregisterFD(fd int) error
	ModifyFD(fd int, events IOEvents) error
	PollIO(timeoutMs int) (int, error)
}

// PollBackend selects the [Poller] implementation a [Loop] creates.
type PollBackend int

const (
	// PollBackendNative is epoll on Linux and kqueue on macOS.
	PollBackendNative PollBackend = iota
	// PollBackendPoll is the portable poll(2) backend. It rebuilds its
	// descriptor set whenever registrations change.
	PollBackendPoll
)

// String returns a human-readable representation of the backend.
func (b PollBackend) String() string {
	switch b {
	case PollBackendNative:
		return "native"
	case PollBackendPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// newPoller returns an uninitialized poller for the backend.
func newPoller(backend PollBackend) (Poller, error) {
	switch backend {
	case PollBackendNative:
		return newNativePoller(), nil
	case PollBackendPoll:
		return &pollPoller{}, nil
	default:
		return nil, errors.New("asyncsock: unknown poll backend")
	}
}

// fdInfo stores per-FD callback information.
type fdInfo struct {
	callback IOCallback
	events   IOEvents
	gen      uint32
	active   bool
}

// fdTable is the registration table shared by every backend. The generation
// of an entry changes each time the descriptor is registered, so an event
// gathered for an earlier registration of the same descriptor number can be
// recognised and dropped.
type fdTable struct {
	fds     []fdInfo
	mu      sync.RWMutex
	nextGen uint32
}

func (t *fdTable) init() {
	t.fds = make([]fdInfo, maxFDs)
}

// add registers fd, returning the generation of the new registration.
func (t *fdTable) add(fd int, events IOEvents, cb IOCallback) (uint32, error) {
	if fd < 0 || fd >= maxFDLimit {
		return 0, ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.fds) {
		newSize := fd*2 + 1
		if newSize > maxFDLimit {
			newSize = maxFDLimit + 1
		}
		newFds := make([]fdInfo, newSize)
		copy(newFds, t.fds)
		t.fds = newFds
	}

	if t.fds[fd].active {
		return 0, ErrFDAlreadyRegistered
	}

	t.nextGen++
	if t.nextGen == 0 {
		t.nextGen = 1
	}
	t.fds[fd] = fdInfo{callback: cb, events: events, gen: t.nextGen, active: true}
	return t.nextGen, nil
}

// rollback clears a registration made by add, if it is still current.
func (t *fdTable) rollback(fd int, gen uint32) {
	t.mu.Lock()
	if fd < len(t.fds) && t.fds[fd].gen == gen {
		t.fds[fd] = fdInfo{}
	}
	t.mu.Unlock()
}

// remove clears fd, returning the registration it replaced.
func (t *fdTable) remove(fd int) (fdInfo, error) {
	if fd < 0 {
		return fdInfo{}, ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.fds) || !t.fds[fd].active {
		return fdInfo{}, ErrFDNotRegistered
	}
	info := t.fds[fd]
	t.fds[fd] = fdInfo{}
	return info, nil
}

// modify updates the interest of fd, returning the previous registration.
func (t *fdTable) modify(fd int, events IOEvents) (fdInfo, error) {
	if fd < 0 {
		return fdInfo{}, ErrFDOutOfRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd >= len(t.fds) || !t.fds[fd].active {
		return fdInfo{}, ErrFDNotRegistered
	}
	info := t.fds[fd]
	t.fds[fd].events = events
	return info, nil
}

// lookup copies the registration for fd under the read lock.
func (t *fdTable) lookup(fd int) fdInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fd < 0 || fd >= len(t.fds) {
		return fdInfo{}
	}
	return t.fds[fd]
}

// dispatch invokes the callback for fd if the registration observed when
// the event was gathered (gen) is still the current one.
//
// The callback is copied under the read lock and executed outside of it.
func (t *fdTable) dispatch(fd int, gen uint32, events IOEvents) {
	info := t.lookup(fd)
	if !info.active || info.callback == nil || info.gen != gen {
		return
	}
	// only report what was asked for, plus error conditions
	events &= info.events | EventError | EventHangup
	if events == 0 {
		return
	}
	info.callback(events)
}
