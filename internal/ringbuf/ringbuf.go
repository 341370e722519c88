// Package ringbuf provides a bounded FIFO set: a fixed-capacity ring buffer
// paired with a lookup set. When full, inserting evicts the oldest key from
// both structures together, so membership only covers a recent window.
//
// A Set is not safe for concurrent use; callers serialize access.
package ringbuf

// Set is a bounded FIFO set of comparable keys.
type Set[K comparable] struct {
	buf   []K
	index map[K]struct{}

	// head counts inserts, tail counts evictions. head-tail is the length.
	head uint64
	tail uint64

	evicted uint64
}

// New creates a Set holding at most capacity keys. Minimum capacity is 1.
func New[K comparable](capacity int) *Set[K] {
	if capacity < 1 {
		capacity = 1
	}
	return &Set[K]{
		buf:   make([]K, capacity),
		index: make(map[K]struct{}, capacity),
	}
}

// Contains reports whether k is in the current window.
func (s *Set[K]) Contains(k K) bool {
	_, ok := s.index[k]
	return ok
}

// Add inserts k. Returns false if k was already present (nothing changes).
// At capacity the oldest key is evicted first.
func (s *Set[K]) Add(k K) bool {
	if _, ok := s.index[k]; ok {
		return false
	}

	size := uint64(len(s.buf))
	if s.head-s.tail >= size {
		oldest := s.buf[s.tail%size]
		delete(s.index, oldest)
		var zero K
		s.buf[s.tail%size] = zero
		s.tail++
		s.evicted++
	}

	s.buf[s.head%size] = k
	s.head++
	s.index[k] = struct{}{}
	return true
}

// Oldest returns the key that would be evicted next.
func (s *Set[K]) Oldest() (K, bool) {
	if s.head == s.tail {
		var zero K
		return zero, false
	}
	return s.buf[s.tail%uint64(len(s.buf))], true
}

// Len returns the current number of keys.
func (s *Set[K]) Len() int {
	return int(s.head - s.tail)
}

// Cap returns the capacity.
func (s *Set[K]) Cap() int {
	return len(s.buf)
}

// Evicted returns the total number of keys evicted due to overflow.
func (s *Set[K]) Evicted() uint64 {
	return s.evicted
}
