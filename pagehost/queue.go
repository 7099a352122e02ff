package pagehost

import (
	"context"
	"sync"
	"sync/atomic"
)

// cmdQueue serializes host commands. One worker goroutine executes queued
// functions in FIFO order; callers block until their command ran or their
// context expired. Submissions after Close fail with ErrHostClosed.
type cmdQueue struct {
	ch     chan queued
	depth  atomic.Int32
	closed atomic.Bool
	mu     sync.RWMutex // guards submissions against close(ch)
	done   chan struct{}
}

type queued struct {
	fn   func()
	skip *atomic.Bool // set when the submitter gave up waiting
}

func newCmdQueue(buffer int) *cmdQueue {
	if buffer <= 0 {
		buffer = 64
	}
	q := &cmdQueue{
		ch:   make(chan queued, buffer),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *cmdQueue) run() {
	for item := range q.ch {
		if item.skip.Load() {
			q.depth.Add(-1)
			continue
		}
		item.fn()
		q.depth.Add(-1)
	}
	close(q.done)
}

// do runs fn on the queue worker and waits for completion. The read lock
// is held across the submission so a concurrent close cannot close q.ch
// between the closed check and the send.
func (q *cmdQueue) do(ctx context.Context, fn func()) error {
	q.mu.RLock()
	if q.closed.Load() {
		q.mu.RUnlock()
		return ErrHostClosed
	}

	var skip atomic.Bool
	ran := make(chan struct{})
	item := queued{
		fn: func() {
			defer close(ran)
			fn()
		},
		skip: &skip,
	}

	select {
	case q.ch <- item:
		q.depth.Add(1)
		q.mu.RUnlock()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	case <-q.done:
		q.mu.RUnlock()
		return ErrHostClosed
	}

	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		// The command may still run; mark it skippable if it has not started.
		skip.Store(true)
		return ctx.Err()
	}
}

func (q *cmdQueue) len() int {
	return int(q.depth.Load())
}

// close stops accepting commands and drains the worker. Idempotent.
func (q *cmdQueue) close() {
	q.mu.Lock()
	if q.closed.Swap(true) {
		q.mu.Unlock()
		<-q.done
		return
	}
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}
