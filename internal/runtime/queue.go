package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/born-ml/cnnlnet/internal/logging"
)

// ErrKernelPanic wraps a panic raised by work running on a queue.
var ErrKernelPanic = errors.New("runtime: kernel panicked")

// command is one unit of queued work.
type command struct {
	name string
	fn   func() error
}

// Queue is a command-submission stream bound to a device.
//
// Work runs in submission order on a single worker goroutine. Errors do not
// stop the queue; the first error since the last Sync is reported by Sync.
type Queue struct {
	dev *Device

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []command
	submitted uint64
	completed uint64
	err       error
	destroyed bool
	done      chan struct{}
}

// NewQueue creates a queue and starts its worker.
func (d *Device) NewQueue() (*Queue, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("create queue on closed device %d: %w", d.ordinal, ErrDeviceNotFound)
	}

	q := &Queue{
		dev:  d,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q, nil
}

// Device returns the device the queue submits to.
func (q *Queue) Device() *Device {
	return q.dev
}

// Enqueue appends work to the queue. It returns immediately.
func (q *Queue) Enqueue(name string, fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.destroyed {
		return fmt.Errorf("enqueue %s: %w", name, ErrQueueDestroyed)
	}

	q.pending = append(q.pending, command{name: name, fn: fn})
	q.submitted++
	q.cond.Broadcast()
	return nil
}

// Sync blocks until all work enqueued before the call has completed. It returns
// the first error raised by queued work since the previous Sync and clears it.
func (q *Queue) Sync() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	target := q.submitted
	for q.completed < target {
		q.cond.Wait()
	}

	err := q.err
	q.err = nil
	return err
}

// Destroy drains the queue, stops the worker and returns any unreported error.
// Destroying twice is a no-op.
func (q *Queue) Destroy() error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil
	}
	q.destroyed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done

	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

// worker executes queued commands until the queue is destroyed and drained.
func (q *Queue) worker() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.destroyed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending[0] = command{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := run(cmd)

		q.mu.Lock()
		q.completed++
		if err != nil && q.err == nil {
			q.err = err
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// run executes one command, converting panics into errors.
func run(cmd command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", cmd.name, ErrKernelPanic, r)
		}
	}()

	start := time.Now()
	err = cmd.fn()
	logging.Logger().Debug("kernel", "name", cmd.name, "elapsed", time.Since(start), "err", err)
	return err
}

// Notifier marks a point in a queue. It completes when all work enqueued
// before it has run.
type Notifier struct {
	at   time.Time
	done chan struct{}
}

// Place enqueues a notifier.
func (q *Queue) Place() (*Notifier, error) {
	n := &Notifier{done: make(chan struct{})}
	err := q.Enqueue("notifier", func() error {
		n.at = time.Now()
		close(n.done)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Wait blocks until the notifier has been reached.
func (n *Notifier) Wait() {
	<-n.done
}

// Done reports whether the notifier has been reached.
func (n *Notifier) Done() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Elapsed returns the device time between two reached notifiers.
func Elapsed(start, end *Notifier) (time.Duration, error) {
	if !start.Done() || !end.Done() {
		return 0, fmt.Errorf("elapsed: %w", ErrNotReady)
	}
	return end.at.Sub(start.at), nil
}
