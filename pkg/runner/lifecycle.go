package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("runner already started")
	ErrDrainTimeout   = errors.New("drain timeout")
)

// LifecycleRunner runs until its context ends or Stop is called, then drains
// once within the timeout.
type LifecycleRunner struct {
	state    int32
	cancel   context.CancelFunc
	mu       sync.Mutex
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration
	banner   io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration, bannerOut io.Writer) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   int32(StateNew),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		banner:  bannerOut,
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrAlreadyStarted
	}
	PrintBanner(r.banner)
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()
	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(runCtx); err != nil {
			return errors.Join(fmt.Errorf("start: %w", err), r.stop())
		}
	}
	r.setState(StateRunning)
	<-runCtx.Done()
	return r.stop()
}

// Stop cancels the run and drains. It is safe to call more than once and
// before Run.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			done := make(chan error, 1)
			go func() { done <- r.drainer.Drain(ctx) }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-ctx.Done():
				r.stopErr = ErrDrainTimeout
			}
			cancel()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}

var _ Runner = (*LifecycleRunner)(nil)
