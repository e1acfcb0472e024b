//go:build linux || darwin

package asyncsock

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookupRemove(t *testing.T) {
	r := newRegistry()

	a, b := &SecureChannel{}, &SecureChannel{}
	idA := r.register(a)
	idB := r.register(b)
	assert.NotZero(t, idA)
	assert.NotEqual(t, idA, idB)

	assert.Same(t, a, r.lookup(idA))
	assert.Same(t, b, r.lookup(idB))
	assert.Nil(t, r.lookup(0))

	r.remove(idA)
	assert.Nil(t, r.lookup(idA))
	assert.Same(t, b, r.lookup(idB))

	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestRegistry_ScavengeCollected(t *testing.T) {
	r := newRegistry()

	live := &SecureChannel{}
	liveID := r.register(live)
	for range 200 {
		r.register(&SecureChannel{})
	}

	runtime.GC()
	runtime.GC()

	for range 32 {
		r.scavenge(scavengeBatch)
	}

	assert.Same(t, live, r.lookup(liveID))
	require.Equal(t, 1, r.len())

	r.mu.RLock()
	ringLen := len(r.ring)
	r.mu.RUnlock()
	assert.Less(t, ringLen, 201, "ring should have been compacted")

	runtime.KeepAlive(live)
}

func TestRegistry_RemovedSlotsReclaimed(t *testing.T) {
	r := newRegistry()

	keep := make([]*SecureChannel, 100)
	ids := make([]uint64, 100)
	for i := range keep {
		keep[i] = &SecureChannel{}
		ids[i] = r.register(keep[i])
	}
	for _, id := range ids[:90] {
		r.remove(id)
	}

	for range 16 {
		r.scavenge(scavengeBatch)
	}

	assert.Equal(t, 10, r.len())
	for i, id := range ids[90:] {
		assert.Same(t, keep[90+i], r.lookup(id))
	}
	runtime.KeepAlive(keep)
}
