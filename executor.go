package asyncsock

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// Executor is a serial execution context. Functions submitted to an
// Executor must run one at a time, in submission order.
//
// Completions and notifications of every channel are delivered through an
// Executor, never on the [Loop] goroutine running the channel's pumps.
// [*Loop] is an Executor.
type Executor interface {
	Submit(fn func()) error
}

var _ Executor = (*Loop)(nil)

var mainExecutor = sync.OnceValue(func() *serialExecutor {
	e := &serialExecutor{}
	e.cond.L = &e.mu
	go e.run()
	return e
})

// MainExecutor returns the process-wide default [Executor]. It is backed by
// a single goroutine, started on first use, that lives for the remainder
// of the process.
func MainExecutor() Executor {
	return mainExecutor()
}

// serialExecutor runs submitted functions on one dedicated goroutine.
type serialExecutor struct {
	cond  sync.Cond
	queue fifo[func()]
	mu    sync.Mutex
}

// Submit queues fn. It never fails.
func (e *serialExecutor) Submit(fn func()) error {
	e.mu.Lock()
	e.queue.Push(fn)
	e.mu.Unlock()
	e.cond.Signal()
	return nil
}

func (e *serialExecutor) run() {
	for {
		e.mu.Lock()
		for e.queue.Len() == 0 {
			e.cond.Wait()
		}
		fn, _ := e.queue.Pop()
		e.mu.Unlock()

		runRecovered(fn)
	}
}

// runRecovered calls fn, discarding any panic. Completions dispatched by
// channels are wrapped by guardCompletion, and log their own.
func runRecovered(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}

// guardCompletion wraps a completion or notification, logging a panic
// through the loop's rate-limited error log instead of letting it reach
// the executor.
func guardCompletion(loop *Loop, logger *logiface.Logger[logiface.Event], serial uint32, fn func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				loop.logErrorTo(logger, `completion`).
					Uint64(`channel`, uint64(serial)).
					Err(PanicError{Value: r}).
					Log(`completion panicked`)
			}
		}()
		fn()
	}
}
