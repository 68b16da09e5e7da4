package session

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/pcicrec/internal/protocol"
)

// GetOptions selects the waiting behavior of Get.
//   - Block with Timeout 0 waits until a frame arrives or ctx ends.
//   - Block with Timeout > 0 waits at most Timeout.
//   - !Block returns immediately.
type GetOptions struct {
	Block   bool
	Timeout time.Duration
}

// Wait is the blocking form with a timeout.
func Wait(timeout time.Duration) GetOptions {
	return GetOptions{Block: true, Timeout: timeout}
}

// frameQueue is a FIFO with one producer and one consumer. Closing it
// keeps queued frames poppable.
type frameQueue struct {
	mu     sync.Mutex
	items  []Frame
	limit  int
	closed bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{
		limit: limit,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push appends f, blocking while the queue is at its limit.
func (q *frameQueue) push(ctx context.Context, f Frame) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return protocol.ErrClosed
		}
		if q.limit <= 0 || len(q.items) < q.limit {
			q.items = append(q.items, f)
			q.mu.Unlock()
			signal(q.ready)
			return nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
		case <-q.space:
		}
	}
}

func (q *frameQueue) tryPop() (Frame, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Frame{}, false, q.closed
	}
	f := q.items[0]
	q.items[0] = Frame{}
	q.items = q.items[1:]
	signal(q.space)
	return f, true, q.closed
}

// pop applies opts. An empty closed queue returns protocol.ErrClosed.
func (q *frameQueue) pop(ctx context.Context, opts GetOptions) (Frame, error) {
	var expire <-chan time.Time
	if opts.Block && opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		expire = timer.C
	}
	for {
		f, ok, closed := q.tryPop()
		if ok {
			return f, nil
		}
		if closed {
			return Frame{}, protocol.ErrClosed
		}
		if !opts.Block {
			return Frame{}, protocol.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-expire:
			return Frame{}, protocol.ErrTimeout
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
