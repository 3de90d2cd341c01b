package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is submitted to a loop that has exited.
var ErrStopped = errors.New("event loop stopped")

// Executor accepts work to be run on the event loop.
type Executor interface {
	Post(fn func()) bool
}

// Loop is a single-consumer FIFO of callbacks. Every state mutation of a
// session runs on the goroutine executing Run, so callbacks never race each
// other and always observe state as of the moment they run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It never blocks and is safe to call from any goroutine,
// including from a callback already running on the loop. It reports false
// once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes queued callbacks in order until ctx is done. Callbacks still
// queued at that point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a callback running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every callback posted before the call has run.
func (l *Loop) Flush(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}
