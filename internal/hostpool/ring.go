package hostpool

// ring is a fixed-capacity buffer that keeps the most recent entries.
type ring[T any] struct {
	items []T
	head  int // next write position
	count int // entries stored, capped at capacity
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.items[r.head] = v
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// all returns the entries oldest first.
func (r *ring[T]) all() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	if r.count < len(r.items) {
		copy(out, r.items[:r.count])
		return out
	}
	// Full: head is the oldest entry.
	n := copy(out, r.items[r.head:])
	copy(out[n:], r.items[:r.head])
	return out
}
