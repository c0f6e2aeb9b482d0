// Package retry runs an operation with bounded exponential backoff on a cancellable timer.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled is returned by Wait when the task was cancelled before it succeeded.
var ErrCancelled = errors.New("retry task cancelled")

// Policy bounds a retry task.
type Policy struct {
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultPolicy is three attempts starting at 500ms.
var DefaultPolicy = Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, AttemptTimeout: 10 * time.Second}

// Delay returns the wait before the attempt following attempt n (1-based).
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Task is one scheduled operation. The pending timer is owned by the task and
// released by Cancel or on completion.
type Task struct {
	policy Policy
	fn     func(context.Context) error
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	attempts int
	finished bool
	err      error
	done     chan struct{}
}

// Start runs fn immediately in the background and retries it according to policy.
func Start(ctx context.Context, policy Policy, fn func(context.Context) error) *Task {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		policy: policy,
		fn:     fn,
		ctx:    taskCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		select {
		case <-taskCtx.Done():
			t.finish(fmt.Errorf("%w: %v", ErrCancelled, context.Cause(taskCtx)))
		case <-t.done:
		}
	}()
	go t.run()
	return t
}

// Do starts a task and waits for it.
func Do(ctx context.Context, policy Policy, fn func(context.Context) error) (int, error) {
	t := Start(ctx, policy, fn)
	err := t.Wait()
	return t.Attempts(), err
}

func (t *Task) run() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.attempts++
	n := t.attempts
	t.timer = nil
	t.mu.Unlock()

	attemptCtx, cancel := t.ctx, context.CancelFunc(func() {})
	if t.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(t.ctx, t.policy.AttemptTimeout)
	}
	err := t.fn(attemptCtx)
	cancel()

	if err == nil {
		t.finish(nil)
		return
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		t.finish(perm.err)
		return
	}
	if n >= t.policy.Attempts {
		t.finish(fmt.Errorf("after %d attempts: %w", n, err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.timer = time.AfterFunc(t.policy.Delay(n), t.run)
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.err = err
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	close(t.done)
	t.mu.Unlock()
	t.cancel()
}

// Cancel stops any pending retry and aborts an in-flight attempt. It is safe to call more than once.
func (t *Task) Cancel() {
	t.finish(ErrCancelled)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its final error.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Attempts reports how many times fn has been invoked.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}
