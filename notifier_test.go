//go:build linux || darwin

package asyncsock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFDWatch_RegistrationFollowsNotifiers(t *testing.T) {
	loop, p := startFakeLoop(t)
	sock := newFakeSocket(SocketStream)
	p.attach(sock)

	onLoopSync(t, loop, func() {
		w := newFDWatch(loop, sock.FD())
		w.read.setCallback(func() {})
		w.write.setCallback(func() {})

		assert.NoError(t, w.read.setActive(true))
		events, ok := p.registered(sock.FD())
		assert.True(t, ok)
		assert.Equal(t, EventRead, events)

		// idempotent
		assert.NoError(t, w.read.setActive(true))

		assert.NoError(t, w.write.setActive(true))
		events, _ = p.registered(sock.FD())
		assert.Equal(t, EventRead|EventWrite, events)

		assert.NoError(t, w.read.setActive(false))
		events, _ = p.registered(sock.FD())
		assert.Equal(t, EventWrite, events)

		assert.NoError(t, w.write.setActive(false))
		_, ok = p.registered(sock.FD())
		assert.False(t, ok)

		w.close()
	})
}

func TestFDWatch_FaultReachesActiveNotifiers(t *testing.T) {
	loop, _ := startFakeLoop(t)

	onLoopSync(t, loop, func() {
		w := newFDWatch(loop, int(fakeFDs.Add(1)))
		var reads, writes int
		w.read.setCallback(func() { reads++ })
		w.write.setCallback(func() { writes++ })
		assert.NoError(t, w.read.setActive(true))

		w.handle(EventHangup)
		assert.Equal(t, 1, reads)
		assert.Zero(t, writes, "inactive notifier")

		assert.NoError(t, w.write.setActive(true))
		w.handle(EventError)
		assert.Equal(t, 2, reads)
		assert.Equal(t, 1, writes)

		w.handle(EventWrite)
		assert.Equal(t, 2, reads)
		assert.Equal(t, 2, writes)

		w.close()
	})
}

func TestFDWatch_CloseFromCallback(t *testing.T) {
	loop, _ := startFakeLoop(t)

	onLoopSync(t, loop, func() {
		w := newFDWatch(loop, int(fakeFDs.Add(1)))
		var writes int
		w.read.setCallback(w.close)
		w.write.setCallback(func() { writes++ })
		assert.NoError(t, w.read.setActive(true))
		assert.NoError(t, w.write.setActive(true))

		w.handle(EventRead | EventWrite)
		assert.Zero(t, writes)

		// no further callbacks, and no registration to update
		w.handle(EventRead | EventWrite)
		assert.NoError(t, w.write.setActive(true))
		assert.Zero(t, writes)
	})
}

func TestFDWatch_StopFromCallback(t *testing.T) {
	loop, _ := startFakeLoop(t)

	onLoopSync(t, loop, func() {
		w := newFDWatch(loop, int(fakeFDs.Add(1)))
		var writes int
		w.read.setCallback(func() { _ = w.write.setActive(false) })
		w.write.setCallback(func() { writes++ })
		assert.NoError(t, w.read.setActive(true))
		assert.NoError(t, w.write.setActive(true))

		w.handle(EventRead | EventWrite)
		assert.Zero(t, writes, "stopped before its turn")
		w.close()
	})
}
