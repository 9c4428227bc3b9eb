package history

// Ring is a fixed-capacity circular buffer that overwrites its oldest entry
// once full. It is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	head  int // next write position
	count int
}

// NewRing creates a ring holding at most capacity entries
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when full
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of stored entries
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the capacity
func (r *Ring[T]) Cap() int { return len(r.buf) }

// index maps i (0 = newest) to a buffer position
func (r *Ring[T]) index(i int) int {
	return (r.head - 1 - i + 2*len(r.buf)) % len(r.buf)
}

// Each calls fn from newest to oldest until it returns false
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := 0; i < r.count; i++ {
		if !fn(r.buf[r.index(i)]) {
			return
		}
	}
}

// ReplaceNewest overwrites the newest entry matching match and reports
// whether one was found
func (r *Ring[T]) ReplaceNewest(match func(T) bool, v T) bool {
	for i := 0; i < r.count; i++ {
		pos := r.index(i)
		if match(r.buf[pos]) {
			r.buf[pos] = v
			return true
		}
	}
	return false
}

// Oldest returns the oldest entry
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[r.index(r.count-1)], true
}

// Newest returns the newest entry
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[r.index(0)], true
}

// Clear drops every entry
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
