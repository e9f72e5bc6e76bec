package memory

// ring is a fixed-capacity overwrite-oldest list. Slots are recycled so
// steady-state writes reuse the evicted entry's allocations.
type ring[T any] struct {
	buf  []T
	head int // oldest entry
	n    int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

// slot returns the next write position and whether an old entry was
// dropped to make room. The caller fills the slot in place.
func (r *ring[T]) slot() (*T, bool) {
	if r.n < len(r.buf) {
		p := &r.buf[(r.head+r.n)%len(r.buf)]
		r.n++
		return p, false
	}
	p := &r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	return p, true
}

func (r *ring[T]) len() int { return r.n }

// snapshot copies entries out in insertion order, oldest first. Reference
// fields inside T still alias ring memory; callers deep-copy what they
// hand out.
func (r *ring[T]) snapshot() []T {
	out := make([]T, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
