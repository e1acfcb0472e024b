//go:build linux || darwin

package asyncsock

import (
	"sync"
	"weak"
)

// scavengeBatch is how many ring slots each registration inspects.
const scavengeBatch = 16

// pumps resolves the ids handed to engine transports back to their
// secure channels.
var pumps = newRegistry()

// registry maps opaque ids to secure channels, holding weak pointers so an
// abandoned channel can still be collected. Entries are removed explicitly
// on teardown, and otherwise reclaimed by an incremental scavenger walking a
// ring of ids.
type registry struct {
	// data stores weak pointers to channels.
	data map[uint64]weak.Pointer[SecureChannel]

	// ring is a circular buffer of ids used for scavenging, 0 marks a
	// removed entry.
	ring []uint64

	// head is the scavenger's cursor in ring.
	head int

	// nextID is the counter for generating ids. 0 is never issued.
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge operations.
	scavengeMu sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		data:   make(map[uint64]weak.Pointer[SecureChannel]),
		ring:   make([]uint64, 0, 64),
		nextID: 1,
	}
}

// register adds sc, returning its id.
func (r *registry) register(sc *SecureChannel) uint64 {
	r.scavenge(scavengeBatch)

	wp := weak.Make(sc)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.data[id] = wp
	r.ring = append(r.ring, id)

	return id
}

// lookup returns the live channel registered under id, or nil.
func (r *registry) lookup(id uint64) *SecureChannel {
	r.mu.RLock()
	wp, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// remove unregisters id. The ring slot is reclaimed by the scavenger.
func (r *registry) remove(id uint64) {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
}

// len returns the number of registered ids, live or not.
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// scavenge inspects up to batchSize ring slots, dropping ids whose channel
// was collected or removed.
func (r *registry) scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	type item struct {
		id  uint64
		idx int
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}
	start := r.head
	end := min(start+batchSize, ringLen)

	items := make([]item, 0, end-start)
	wps := make([]weak.Pointer[SecureChannel], 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		wp, ok := r.data[id]
		if !ok {
			// removed, only the slot is left
			wp = weak.Pointer[SecureChannel]{}
		}
		items = append(items, item{id, i})
		wps = append(wps, wp)
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	var dead []item
	for i, it := range items {
		if wps[i].Value() == nil {
			dead = append(dead, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range dead {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}
	r.head = nextHead

	// compact once per full cycle, when mostly empty
	if nextHead == 0 && len(r.ring) > 64 && len(r.data)*4 < len(r.ring) {
		r.compact()
	}
}

// compact drops null markers from the ring and rebuilds the map. Must be
// called with mu held.
func (r *registry) compact() {
	ring := make([]uint64, 0, len(r.data))
	data := make(map[uint64]weak.Pointer[SecureChannel], len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			ring = append(ring, id)
			data[id] = wp
		}
	}
	r.ring = ring
	r.data = data
	r.head = 0
}
