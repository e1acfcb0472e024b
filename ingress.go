package asyncsock

// chunkSize is the number of elements per node in the fifo linked list.
const chunkSize = 64

// fifo is a chunked linked-list queue.
//
// Thread Safety: fifo is NOT thread-safe. The caller must provide external
// synchronization, or confine it to one goroutine (e.g. the loop).
//
// Only the head element may be mutated in place, via [fifo.Front]. Elements
// are never reordered.
type fifo[T any] struct {
	head   *chunk[T]
	tail   *chunk[T]
	spare  *chunk[T]
	length int
}

// chunk is a fixed-size node in the chunked linked-list.
// It uses readPos/pos cursors for O(1) push/pop without shifting.
type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int // First unread slot
	pos     int // First unused slot
}

func (q *fifo[T]) newChunk() *chunk[T] {
	if c := q.spare; c != nil {
		q.spare = nil
		return c
	}
	return new(chunk[T])
}

// returnChunk keeps one exhausted chunk for reuse. Slots are already zeroed
// by Pop.
func (q *fifo[T]) returnChunk(c *chunk[T]) {
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.spare = c
}

// Push adds an element to the tail.
func (q *fifo[T]) Push(v T) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.items) {
		newTail := q.newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.items[q.tail.pos] = v
	q.tail.pos++
	q.length++
}

// Front returns a pointer to the head element, or nil if the queue is
// empty. The pointer is valid until the next Pop or Clear.
func (q *fifo[T]) Front() *T {
	if q.length == 0 {
		return nil
	}
	return &q.head.items[q.head.readPos]
}

// Pop removes and returns the head element.
//
// Returns false if the queue is empty.
func (q *fifo[T]) Pop() (T, bool) {
	var zero T
	if q.length == 0 {
		return zero, false
	}

	v := q.head.items[q.head.readPos]
	// Zero out popped slot for GC safety
	q.head.items[q.head.readPos] = zero
	q.head.readPos++
	q.length--

	// If chunk is now exhausted, free it or reset cursors
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
		} else {
			oldHead := q.head
			q.head = q.head.next
			q.returnChunk(oldHead)
		}
	}

	return v, true
}

// Len returns the queue length.
func (q *fifo[T]) Len() int {
	return q.length
}

// Clear drops every element without visiting them.
func (q *fifo[T]) Clear() {
	*q = fifo[T]{}
}
