// Package ringbuffer provides a fixed-capacity circular store that overwrites
// its oldest contents once full.
package ringbuffer

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCapacity is returned (wrapped) by New when the requested capacity is unusable.
var ErrCapacity = errors.New("ring buffer capacity must be positive")

// Stats summarizes the fill state of a RingBuffer.
type Stats struct {
	Capacity           int
	Size               int
	UtilizationPercent float64
	TotalWritten       uint64
	WritePosition      int
}

// RingBuffer is a pre-allocated circular buffer. All storage is allocated in New,
// so AppendChunk never allocates.
type RingBuffer[T any] struct {
	storage      []T
	writePos     int    // index of the next element to be written
	size         int    // number of valid elements, never more than len(storage)
	totalWritten uint64 // elements appended since the last Clear
	mu           sync.Mutex
}

// New creates and returns a new RingBuffer holding up to capacity elements.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCapacity, capacity)
	}
	return &RingBuffer[T]{storage: make([]T, capacity)}, nil
}

// Capacity returns the maximum number of elements held.
func (rb *RingBuffer[T]) Capacity() int {
	return len(rb.storage)
}

// AppendChunk writes data after the newest element, wrapping around the end of
// storage. When len(data) exceeds the capacity, only its last Capacity() elements
// are retained, exactly as if they had been appended one at a time.
func (rb *RingBuffer[T]) AppendChunk(data []T) {
	if len(data) == 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.storage)
	n := len(data)
	start := rb.writePos
	if n > capacity {
		skip := n - capacity
		start = (rb.writePos + skip) % capacity
		data = data[skip:]
	}

	first := copy(rb.storage[start:], data)
	if first < len(data) {
		copy(rb.storage, data[first:])
	}

	rb.writePos = (rb.writePos + n) % capacity
	rb.size = min(rb.size+n, capacity)
	rb.totalWritten += uint64(n)
}

// Recent returns a copy of the most recent min(n, Size()) elements, oldest first.
func (rb *RingBuffer[T]) Recent(n int) []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.recent(n)
}

// recent does the work of Recent. The caller must hold rb.mu.
func (rb *RingBuffer[T]) recent(n int) []T {
	n = max(0, min(n, rb.size))
	out := make([]T, n)
	if n == 0 {
		return out
	}
	capacity := len(rb.storage)
	start := (rb.writePos - n + capacity) % capacity
	first := copy(out, rb.storage[start:min(start+n, capacity)])
	if first < n {
		copy(out[first:], rb.storage[:n-first])
	}
	return out
}

// All returns a copy of every element currently held, oldest first.
func (rb *RingBuffer[T]) All() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.recent(rb.size)
}

// Size returns the number of elements currently held.
func (rb *RingBuffer[T]) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// TotalWritten returns the number of elements appended since the last Clear.
func (rb *RingBuffer[T]) TotalWritten() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.totalWritten
}

// Clear empties the buffer without releasing storage. The write counter is also
// zeroed so that WritePosition == TotalWritten mod Capacity keeps holding.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.size = 0
	rb.totalWritten = 0
}

// Stats returns a snapshot of the buffer's fill state.
func (rb *RingBuffer[T]) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	capacity := len(rb.storage)
	return Stats{
		Capacity:           capacity,
		Size:               rb.size,
		UtilizationPercent: 100 * float64(rb.size) / float64(capacity),
		TotalWritten:       rb.totalWritten,
		WritePosition:      rb.writePos,
	}
}
