package ringbuf

// Ring is a fixed-capacity ring buffer that keeps the most recent values.
// Appending beyond capacity evicts the oldest entry. Not safe for concurrent
// use; callers hold their own locks.
type Ring[T any] struct {
	items []T
	head  int
	count int
}

// New creates a ring buffer with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		items: make([]T, capacity),
	}
}

// Push appends a value, evicting the oldest when full.
func (r *Ring[T]) Push(v T) {
	idx := (r.head + r.count) % len(r.items)
	r.items[idx] = v
	if r.count < len(r.items) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.items)
	}
}

// Len returns the number of stored values.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Values returns the stored values oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Last returns the most recently pushed value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.items[(r.head+r.count-1)%len(r.items)], true
}

// Do calls fn for each stored value, oldest first.
func (r *Ring[T]) Do(fn func(v T)) {
	for i := 0; i < r.count; i++ {
		fn(r.items[(r.head+i)%len(r.items)])
	}
}

// Filter returns the stored values for which keep returns true, oldest first.
func (r *Ring[T]) Filter(keep func(v T) bool) []T {
	var out []T
	r.Do(func(v T) {
		if keep(v) {
			out = append(out, v)
		}
	})
	return out
}

// Reset drops all stored values.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
