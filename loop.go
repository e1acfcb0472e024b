package asyncsock

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// pollTimeout caps how long a loop blocks in the poller.
const pollTimeout = 10 * time.Second

// taskBudget bounds the number of tasks run per tick, so readiness events
// are not starved by a busy submitter.
const taskBudget = 1024

// Loop is the serial execution context channels are bound to.
//
// A single goroutine, the one calling [Loop.Run], owns the [Poller]. It
// alternates between running submitted tasks and blocking in the poller,
// and readiness callbacks run inline on it. Every piece of mutable channel
// state is only ever touched by that goroutine.
//
// Loop also implements [Executor], though completions should normally be
// dispatched to a different context, see [WithExecutor].
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	poller Poller

	logger     *logiface.Logger[logiface.Event]
	errLimiter *catrate.Limiter

	// State machine (cache-line padded internally)
	state *fastState

	// Task queue, protected by tasksMu
	tasksMu sync.Mutex
	tasks   fifo[func()]

	// Task batch buffer (avoid allocation)
	batchBuf []func()

	// Wake-up deduplication
	wakePending atomic.Uint32

	// Goroutine tracking
	loopGoroutineID atomic.Uint64

	// In-flight submit counter for shutdown synchronization
	inflight atomic.Int64

	// Loop termination signaling
	loopDone chan struct{}

	// closed once the final drain has run, whether or not Run was called
	drained     chan struct{}
	drainedOnce sync.Once

	stopOnce sync.Once

	id uint64
}

var loopIDCounter atomic.Uint64

// New creates a new loop. The loop does nothing until [Loop.Run] is called.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	var poller Poller
	if cfg.newPoller != nil {
		poller = cfg.newPoller()
		if poller == nil {
			return nil, fmt.Errorf("asyncsock: poller factory returned nil")
		}
	} else if poller, err = newPoller(cfg.backend); err != nil {
		return nil, err
	}

	if err := poller.Init(); err != nil {
		return nil, fmt.Errorf("asyncsock: poller init: %w", err)
	}

	loop := &Loop{
		id:       loopIDCounter.Add(1),
		poller:   poller,
		logger:   cfg.logger,
		state:    newFastState(),
		batchBuf: make([]func(), 0, 64),

		// Initialize loopDone here to avoid data race with shutdownImpl
		loopDone: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	if len(cfg.errLogRates) != 0 {
		loop.errLimiter = catrate.NewLimiter(cfg.errLogRates)
	}

	return loop, nil
}

// Run runs the loop and blocks until fully stopped.
//
// Run blocks until the loop terminates (via Shutdown(), Close(), or ctx cancellation).
// To run in a separate goroutine, use: `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.tryTransition(StateAwake, StateRunning) {
		if l.state.load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	// Close loopDone when run exits to signal completion to Shutdown waiters
	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown gracefully shuts down the loop, running every task already
// submitted. It blocks until termination completes or ctx expires.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	if result == nil && l.state.load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}
	if l.state.load() == StateTerminated {
		// never started
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close terminates the loop without waiting for it to stop.
func (l *Loop) Close() error {
	if !l.requestTermination() {
		return ErrLoopTerminated
	}
	return nil
}

// requestTermination moves the loop to StateTerminating, or straight to
// StateTerminated if it was never run. It returns false if termination was
// already requested.
func (l *Loop) requestTermination() bool {
	for {
		currentState := l.state.load()
		if currentState == StateTerminated || currentState == StateTerminating {
			return false
		}

		if l.state.tryTransition(currentState, StateTerminating) {
			switch currentState {
			case StateAwake:
				// the caller stands in for the loop goroutine while draining
				l.state.store(StateTerminated)
				l.loopGoroutineID.Store(getGoroutineID())
				l.drainTasks()
				l.loopGoroutineID.Store(0)
				l.markDrained()
				_ = l.poller.Close()
			case StateSleeping:
				_ = l.poller.Wakeup()
			}
			return true
		}
	}
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Start context watcher goroutine to wake loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.poller.Wakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().
		Uint64(`loop`, l.id).
		Log(`loop started`)

	for {
		select {
		case <-ctx.Done():
			l.requestTermination()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()
	}
}

// shutdown runs every remaining task then releases the poller.
func (l *Loop) shutdown() {
	// Terminated first, so new submissions are rejected, then drain until
	// no submission is in flight and the queue stays empty
	l.state.store(StateTerminated)
	l.drainTasks()
	l.markDrained()
	_ = l.poller.Close()

	l.logger.Debug().
		Uint64(`loop`, l.id).
		Log(`loop stopped`)
}

func (l *Loop) drainTasks() {
	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		for l.inflight.Load() > 0 {
			runtime.Gosched()
		}
		if l.runTasks(-1) || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}
}

// tick is a single iteration of the loop.
func (l *Loop) tick() {
	l.runTasks(taskBudget)
	l.poll()
}

// runTasks runs up to budget queued tasks (all of them, if budget < 0).
// It reports whether any task ran.
func (l *Loop) runTasks(budget int) bool {
	ran := false
	for budget != 0 {
		l.tasksMu.Lock()
		n := l.tasks.Len()
		if budget > 0 {
			n = min(n, budget)
		}
		for i := 0; i < n; i++ {
			fn, _ := l.tasks.Pop()
			l.batchBuf = append(l.batchBuf, fn)
		}
		l.tasksMu.Unlock()

		if n == 0 {
			break
		}
		ran = true
		if budget > 0 {
			budget -= n
		}

		for i, fn := range l.batchBuf {
			l.safeExecute(fn)
			l.batchBuf[i] = nil // Clear for GC
		}
		l.batchBuf = l.batchBuf[:0]

		if budget > 0 {
			// tasks submitted by tasks wait for the next tick
			break
		}
	}
	return ran
}

// poll performs the blocking poll.
func (l *Loop) poll() {
	if !l.state.tryTransition(StateRunning, StateSleeping) {
		return
	}

	// Checked after the CAS: a Submit that missed StateSleeping pushed its
	// task before this point.
	l.tasksMu.Lock()
	pending := l.tasks.Len()
	l.tasksMu.Unlock()

	timeout := int(pollTimeout.Milliseconds())
	if pending > 0 {
		timeout = 0
	}

	_, err := l.poller.PollIO(timeout)
	l.wakePending.Store(0)
	if err != nil {
		l.logError(`poll`).
			Err(err).
			Log(`poll failed, terminating loop`)
		l.state.tryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.tryTransition(StateSleeping, StateRunning)
}

// Submit queues fn to run on the loop goroutine. Tasks run in submission
// order. Submit is safe to call from any goroutine, and returns
// [ErrLoopTerminated] once the loop has stopped.
func (l *Loop) Submit(fn func()) error {
	// Increment inflight counter FIRST, before checking state
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if !l.state.canAcceptWork() {
		return ErrLoopTerminated
	}

	l.tasksMu.Lock()
	l.tasks.Push(fn)
	l.tasksMu.Unlock()

	if l.state.load() == StateSleeping && l.wakePending.CompareAndSwap(0, 1) {
		if err := l.poller.Wakeup(); err != nil {
			// the task is queued, and will run if the loop wakes by other means
			l.wakePending.Store(0)
		}
	}

	return nil
}

func (l *Loop) markDrained() {
	l.drainedOnce.Do(func() { close(l.drained) })
}

// awaitDrained blocks until the loop has run its final tasks. Once
// [Loop.Submit] starts failing, this is the point after which no task can
// still be running.
func (l *Loop) awaitDrained() {
	<-l.drained
}

// execute runs fn inline when called on the loop goroutine, otherwise
// submits it.
func (l *Loop) execute(fn func()) error {
	if l.isLoopThread() {
		l.safeExecute(fn)
		return nil
	}
	return l.Submit(fn)
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.load()
}

// safeExecute executes a task with panic recovery.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logError(`panic`).
				Err(PanicError{Value: r}).
				Log(`task panicked`)
		}
	}()

	fn()
}

// logError builds an error level log event, subject to the per-category
// rate limits. The returned builder is nil (and safe to use) when the event
// is disabled or limited.
func (l *Loop) logError(category string) *logiface.Builder[logiface.Event] {
	return l.logErrorTo(l.logger, category)
}

// logErrorTo is logError for a logger other than the loop's own, sharing
// the loop's rate limits.
func (l *Loop) logErrorTo(logger *logiface.Logger[logiface.Event], category string) *logiface.Builder[logiface.Event] {
	b := logger.Err()
	if b == nil {
		return nil
	}
	if l.errLimiter != nil {
		if _, ok := l.errLimiter.Allow(category); !ok {
			b.Release()
			return nil
		}
	}
	return b.Uint64(`loop`, l.id)
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
