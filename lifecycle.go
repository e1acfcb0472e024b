package asyncsock

import (
	"sync"
	"sync/atomic"

	"code.hybscloud.com/atomix"
)

// channelCounter is the global monotonic counter for channel serials.
var channelCounter atomix.Uint32

// nextChannelSerial returns the next monotonically increasing serial, used
// to tell channels apart in logs.
func nextChannelSerial() uint32 {
	return channelCounter.Add(1)
}

// lifecycle is the open/closed state shared by [Channel] and
// [SecureChannel]. The transition to closed happens exactly once, and is
// visible to every goroutine as soon as markClosed returns.
type lifecycle struct {
	err  error
	done chan struct{}
	mu   sync.Mutex
	open atomic.Bool
}

func (x *lifecycle) init() {
	x.done = make(chan struct{})
	x.open.Store(true)
}

// markClosed records cause and flips the state. It returns false if the
// channel was already closed, in which case cause is discarded.
func (x *lifecycle) markClosed(cause error) bool {
	if !x.open.CompareAndSwap(true, false) {
		return false
	}
	x.mu.Lock()
	x.err = cause
	x.mu.Unlock()
	close(x.done)
	return true
}

// IsOpen reports whether the channel is open. Once it returns false, every
// operation on the channel is a no-op.
func (x *lifecycle) IsOpen() bool {
	return x.open.Load()
}

// Done returns a channel that is closed when the channel closes, for any
// reason.
func (x *lifecycle) Done() <-chan struct{} {
	return x.done
}

// Err returns the reason the channel closed: nil while open or after a
// local Close, io.EOF after an orderly remote shutdown, the I/O error that
// terminated it otherwise.
func (x *lifecycle) Err() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.err
}
