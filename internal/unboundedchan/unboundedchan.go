// Package unboundedchan lets a producer hand values to a slower consumer without ever
// blocking, by queueing them in memory between two channels.
package unboundedchan

import "sync/atomic"

// UnboundedChannel represents an unbounded queue, but data are entered and removed via channels.
// Beware! You almost certainly want T to be a primitive type; use pointers for large objects.
type UnboundedChannel[T any] struct {
	in      chan T
	out     chan T
	queue   []T
	head    int
	pending atomic.Int64
}

// NewUnboundedChannel creates an UnboundedChannel and starts the goroutine that moves
// values from In to Out. The goroutine ends, closing Out, once In is closed and every
// queued value has been received.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) push(val T) {
	uc.queue = append(uc.queue, val)
	uc.pending.Add(1)
}

func (uc *UnboundedChannel[T]) pop() {
	var zero T
	uc.queue[uc.head] = zero
	uc.head++
	uc.pending.Add(-1)
	if uc.head == len(uc.queue) {
		// reuse the backing array once drained
		uc.queue = uc.queue[:0]
		uc.head = 0
	}
}

func (uc *UnboundedChannel[T]) run() {
	for {
		if uc.head == len(uc.queue) {
			val, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			uc.push(val)
			continue
		}
		select {
		case uc.out <- uc.queue[uc.head]:
			uc.pop()
		case val, ok := <-uc.in:
			if !ok {
				for uc.head < len(uc.queue) {
					uc.out <- uc.queue[uc.head]
					uc.pop()
				}
				close(uc.out)
				return
			}
			uc.push(val)
		}
	}
}

// In returns the input channel for sending data. Close it when done sending.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the output channel for receiving data
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Len returns the number of values queued but not yet received from Out.
func (uc *UnboundedChannel[T]) Len() int {
	return int(uc.pending.Load())
}
