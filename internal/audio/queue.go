package audio

import (
	"context"
	"sync"
)

// FrameQueue is the bounded multi-producer, single-consumer capture queue.
// Push never blocks: when the queue is full the producing device's oldest
// queued frame is evicted to make room.
type FrameQueue struct {
	mu     sync.Mutex
	frames []*Frame
	cap    int
	closed bool
	notify chan struct{}
}

// NewFrameQueue returns an empty queue holding at most capacity frames, or one
// frame when capacity is not positive.
func NewFrameQueue(capacity int) *FrameQueue {
	capacity = max(capacity, 1)
	return &FrameQueue{
		frames: make([]*Frame, 0, capacity),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues f and reports whether a frame of the same device had to be
// dropped. If the queue is full and holds nothing from f's device, f itself
// is the oldest unconsumed frame for that device and is dropped instead.
func (q *FrameQueue) Push(f *Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.Release()
		return true
	}

	if len(q.frames) >= q.cap {
		victim := -1
		for i, queued := range q.frames {
			if queued.DeviceID == f.DeviceID {
				victim = i
				break
			}
		}
		if victim < 0 {
			q.mu.Unlock()
			f.Release()
			return true
		}
		q.frames[victim].Release()
		q.frames = append(q.frames[:victim], q.frames[victim+1:]...)
		dropped = true
	}

	q.frames = append(q.frames, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a frame is available, the queue is closed, or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (*Frame, bool) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = nil
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.notify:
		}
	}
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Close releases every queued frame, rejects further pushes and returns the
// number of frames discarded.
func (q *FrameQueue) Close() int {
	q.mu.Lock()
	n := len(q.frames)
	for _, f := range q.frames {
		f.Release()
	}
	q.frames = nil
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return n
}
