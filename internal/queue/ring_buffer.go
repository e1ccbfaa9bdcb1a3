// Package queue provides the in-process buffer between ingestion and the
// pipeline workers.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/fisheeesh/lms-sub000/internal/schema"
)

var (
	// ErrFull is returned when pushing to a buffer at capacity.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned when popping from an empty buffer.
	ErrEmpty = errors.New("queue is empty")
	// ErrClosed is returned once the buffer has been closed and drained.
	ErrClosed = errors.New("queue is closed")
)

// RingBuffer is a bounded, thread-safe circular buffer of canonical logs.
// Under sustained overload it sheds new logs rather than blocking ingest.
type RingBuffer struct {
	logs   []*schema.Log
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	pushed  uint64
	popped  uint64
	dropped uint64
}

// NewRingBuffer creates a buffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 10000
	}
	rb := &RingBuffer{
		logs: make([]*schema.Log, size),
		size: size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push enqueues a log. Returns ErrFull when at capacity; the caller decides
// whether to count the drop or retry.
func (rb *RingBuffer) Push(log *schema.Log) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrClosed
	}
	if rb.count == rb.size {
		atomic.AddUint64(&rb.dropped, 1)
		return ErrFull
	}

	rb.logs[rb.tail] = log
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.pushed, 1)

	rb.cond.Signal()
	return nil
}

// Pop dequeues a log without blocking.
func (rb *RingBuffer) Pop() (*schema.Log, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrClosed
		}
		return nil, ErrEmpty
	}
	return rb.take(), nil
}

// PopBlocking dequeues a log, waiting until one is available. After Close,
// remaining logs are drained and then ErrClosed is returned.
func (rb *RingBuffer) PopBlocking() (*schema.Log, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}
	if rb.count == 0 {
		return nil, ErrClosed
	}
	return rb.take(), nil
}

// take assumes rb.mu is held and count > 0.
func (rb *RingBuffer) take() *schema.Log {
	log := rb.logs[rb.head]
	rb.logs[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.popped, 1)
	return log
}

// Len returns the number of buffered logs.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the buffer capacity.
func (rb *RingBuffer) Cap() int {
	return rb.size
}

// Close marks the buffer closed and wakes blocked consumers. Buffered logs
// remain poppable so shutdown can drain in-flight work.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics holds buffer counters for the metrics endpoint.
type Metrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Metrics returns a snapshot of the buffer counters.
func (rb *RingBuffer) Metrics() Metrics {
	return Metrics{
		Pushed:   atomic.LoadUint64(&rb.pushed),
		Popped:   atomic.LoadUint64(&rb.popped),
		Dropped:  atomic.LoadUint64(&rb.dropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}
