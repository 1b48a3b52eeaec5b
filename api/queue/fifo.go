package queue

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// AdmissionQueue defines an interface for the FIFO of admitted jobs
// waiting on a run slot.
type AdmissionQueue interface {
	Enqueue(x interface{}) (bool, error)
	Dequeue() (interface{}, error)
	Size() int
	Close() error
}

// ListFIFOQueue is a FIFO queue implementation based on a doubly linked
// list. Dequeue blocks while the queue is empty and unblocks with
// ErrClosed once the queue is closed.
type ListFIFOQueue struct {
	queue  *list.List
	size   int
	closed bool
	mutex  *sync.RWMutex
	cond   *sync.Cond
}

// NewListFIFOQueue creates a queue that is immediately ready to receive
// enqueue requests. The capacity of the queue is limited by the `size`
// parameter.
func NewListFIFOQueue(size int) *ListFIFOQueue {
	mutex := &sync.RWMutex{}

	return &ListFIFOQueue{
		queue:  list.New(),
		size:   size,
		closed: false,
		mutex:  mutex,
		cond:   sync.NewCond(mutex),
	}
}

// Enqueue adds a new item to the queue. If the queue is full, the item
// will not be added, and the function will return `false`.
func (r *ListFIFOQueue) Enqueue(x interface{}) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return false, ErrClosed
	}

	if r.queue.Len() < r.size {
		r.queue.PushBack(x)
		// signal that there's data available
		r.cond.Signal()
		return true, nil
	}
	return false, nil
}

// Dequeue removes the oldest item from the queue, blocking while the
// queue is empty. A close while blocked surfaces ErrClosed.
func (r *ListFIFOQueue) Dequeue() (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	// wait until there's data or the queue shuts down
	for r.queue.Len() == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.queue.Len() == 0 && r.closed {
		return nil, ErrClosed
	}

	front := r.queue.Front()
	r.queue.Remove(front)
	return front.Value, nil
}

// Size returns the current size of the queue.
func (r *ListFIFOQueue) Size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.queue.Len()
}

// Close closes the queue, forbidding further enqueues and waking any
// blocked Dequeue callers. Items already queued may still be drained.
func (r *ListFIFOQueue) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return errors.New("no close of previously closed queue")
	}

	r.closed = true
	r.cond.Broadcast()
	return nil
}
