package logging

// ring is a fixed-capacity FIFO of records. It is owned by a single goroutine.
type ring struct {
	items []Record
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{items: make([]Record, capacity)}
}

// push appends rec, evicting the oldest entry when full.
func (r *ring) push(rec Record) {
	if len(r.items) == 0 {
		return
	}
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = rec
		r.size++
		return
	}
	r.items[r.head] = rec
	r.head = (r.head + 1) % len(r.items)
}

func (r *ring) len() int {
	return r.size
}

// last copies the newest n records in insertion order.
func (r *ring) last(n int) []Record {
	if n > r.size || n < 0 {
		n = r.size
	}
	out := make([]Record, n)
	start := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.head+start+i)%len(r.items)]
	}
	return out
}

func (r *ring) snapshot() []Record {
	return r.last(r.size)
}
