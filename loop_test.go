//go:build linux || darwin

package asyncsock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoop_SubmitOrder(t *testing.T) {
	loop := startLoop(t)

	const n = 500
	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i := range n {
		require.NoError(t, loop.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}))
	}
	recv(t, done)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestLoop_ExecuteInlineOnLoop(t *testing.T) {
	loop := startLoop(t)

	var inline bool
	onLoopSync(t, loop, func() {
		ran := false
		require.NoError(t, loop.execute(func() { ran = true }))
		inline = ran
	})
	assert.True(t, inline)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := startLoop(t)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)
}

func TestLoop_ReentrantRun(t *testing.T) {
	loop := startLoop(t)

	var err error
	onLoopSync(t, loop, func() { err = loop.Run(context.Background()) })
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_SubmitAfterShutdown(t *testing.T) {
	loop := startLoop(t)
	require.NoError(t, loop.Shutdown(t.Context()))

	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_ShutdownRunsQueuedTasks(t *testing.T) {
	loop := startLoop(t)

	var ran sync.WaitGroup
	ran.Add(100)
	for range 100 {
		require.NoError(t, loop.Submit(ran.Done))
	}
	require.NoError(t, loop.Shutdown(t.Context()))

	done := make(chan struct{})
	go func() {
		ran.Wait()
		close(done)
	}()
	recv(t, done)
}

func TestLoop_CloseNeverStarted(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	require.NoError(t, loop.Submit(func() { ran <- struct{}{} }))
	require.NoError(t, loop.Close())

	assert.Equal(t, StateTerminated, loop.State())
	recv(t, ran)
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestLoop_ContextCancel(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()
	waitForRunning(t, loop)

	cancel()
	assert.ErrorIs(t, recv(t, runDone), context.Canceled)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_PanicIsLogged(t *testing.T) {
	var buf syncBuffer
	loop := startLoop(t, WithLogger(newTestLogger(&buf)))

	require.NoError(t, loop.Submit(func() { panic("kaboom") }))
	onLoopSync(t, loop, func() {})

	assert.Contains(t, buf.String(), `task panicked`)
	assert.Contains(t, buf.String(), `kaboom`)
}

func TestLoop_ErrorLogsRateLimited(t *testing.T) {
	var buf syncBuffer
	loop := startLoop(t,
		WithLogger(newTestLogger(&buf)),
		WithErrorLogRates(map[time.Duration]int{time.Hour: 2}),
	)

	for range 5 {
		require.NoError(t, loop.Submit(func() { panic("again") }))
	}
	onLoopSync(t, loop, func() {})

	assert.Equal(t, 2, strings.Count(buf.String(), `task panicked`))
}

func TestLoop_PollFailureTerminates(t *testing.T) {
	p := &failingPoller{fakePoller: newFakePoller(), err: errors.New("poll exploded")}

	loop, err := New(WithPoller(func() Poller { return p }))
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(context.Background()) }()

	assert.NoError(t, recv(t, runDone))
	assert.Equal(t, StateTerminated, loop.State())
}

func TestNew_Options(t *testing.T) {
	_, err := New(WithPollBackend(PollBackend(42)))
	assert.Error(t, err)

	_, err = New(WithPoller(func() Poller { return nil }))
	assert.Error(t, err)

	loop, err := New(nil, WithPollBackend(PollBackendPoll), WithErrorLogRates(nil))
	require.NoError(t, err)
	assert.Nil(t, loop.errLimiter)
	require.NoError(t, loop.Close())
}

func TestLoopState_String(t *testing.T) {
	for state, want := range map[LoopState]string{
		StateAwake:       "Awake",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		LoopState(99):    "Unknown",
	} {
		assert.Equal(t, want, state.String())
	}
}

// failingPoller fails every PollIO.
type failingPoller struct {
	*fakePoller
	err error
}

func (p *failingPoller) PollIO(int) (int, error) { return 0, p.err }
