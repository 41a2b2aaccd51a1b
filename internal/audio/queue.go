package audio

import (
	"context"
	"sync"
)

const minQueueCapacity = 16

// FrameQueue is an unbounded FIFO of frames with a single producer and a single
// consumer. Push never blocks, so a realtime capture callback can feed it
// without ever waiting on downstream work. Close lets the consumer drain what
// was already queued before the stream ends.
type FrameQueue struct {
	mu     sync.Mutex
	items  []Frame
	head   int
	size   int
	closed bool
	notify chan struct{}
}

// NewFrameQueue creates an empty queue
func NewFrameQueue() *FrameQueue {
	return &FrameQueue{
		items:  make([]Frame, minQueueCapacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame. It returns false once the queue has been closed.
func (q *FrameQueue) Push(f Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.size == len(q.items) {
		q.grow()
	}
	q.items[(q.head+q.size)%len(q.items)] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *FrameQueue) grow() {
	items := make([]Frame, len(q.items)*2)
	for i := 0; i < q.size; i++ {
		items[i] = q.items[(q.head+i)%len(q.items)]
	}
	q.items = items
	q.head = 0
}

// Pop removes the oldest frame, waiting until one is available. ok is false
// when the queue is closed and fully drained, or when ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			f := q.items[q.head]
			q.items[q.head] = Frame{}
			q.head = (q.head + 1) % len(q.items)
			q.size--
			q.mu.Unlock()
			return f, true
		}
		if q.closed {
			q.mu.Unlock()
			return Frame{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Close stops accepting frames. Frames already queued remain poppable.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsClosed reports whether Close has been called
func (q *FrameQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stream pumps the queue into a channel. The channel closes after the queue is
// closed and drained, or when ctx is done. A slow reader only delays the pump,
// never the producer.
func (q *FrameQueue) Stream(ctx context.Context) <-chan Frame {
	out := make(chan Frame)
	go func() {
		defer close(out)
		for {
			f, ok := q.Pop(ctx)
			if !ok {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
