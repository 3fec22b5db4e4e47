// ============================================================================
// Flowtree Completion - One-Shot Job Future
// ============================================================================
//
// Package: pkg/job
// File: future.go
// Function: Exactly-once completion future for a single job instance
//
// How it works:
//   A Completion resolves exactly once, to success, failure or cancellation.
//   The first resolver wins; later calls are no-ops. Resolution is guarded by
//   a compare-and-swap on the state word, so concurrent resolvers never race
//   on the done channel.
//
//   Waiting on a Completion blocks only the waiter, never the worker that
//   executes the job. Cancellation is best-effort: it short-circuits waiters
//   but does not interrupt a Run already in progress.
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"sync/atomic"
)

// State is the resolution state of a Completion.
type State int32

const (
	StatePending State = iota
	StateCompleted
	StateFailed
	StateCancelled
)

// ErrCancelled is the error reported by a cancelled Completion.
var ErrCancelled = errors.New("job cancelled")

// Completion is a one-shot future. The zero value is not usable; construct
// with NewCompletion.
type Completion struct {
	state atomic.Int32
	err   atomic.Value // error, set before done is closed
	done  chan struct{}
}

// NewCompletion returns an unresolved Completion.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete resolves the future to success. Returns false if it was already
// resolved.
func (c *Completion) Complete() bool {
	return c.resolve(StateCompleted, nil)
}

// Fail resolves the future to failure with the given cause. A nil cause is
// recorded as an ExecutionFailure with no detail.
func (c *Completion) Fail(cause error) bool {
	if cause == nil {
		cause = &ExecutionFailure{}
	}
	return c.resolve(StateFailed, cause)
}

// Cancel resolves the future to cancellation. If the job has already started
// running, the worker is not interrupted; only waiters observe the result.
func (c *Completion) Cancel() bool {
	return c.resolve(StateCancelled, ErrCancelled)
}

func (c *Completion) resolve(s State, err error) bool {
	if !c.state.CompareAndSwap(int32(StatePending), int32(s)) {
		return false
	}
	if err != nil {
		c.err.Store(err)
	}
	close(c.done)
	return true
}

// Done returns a channel closed when the future resolves.
func (c *Completion) Done() <-chan struct{} { return c.done }

// State returns the current resolution state.
func (c *Completion) State() State { return State(c.state.Load()) }

// Resolved reports whether the future has been resolved.
func (c *Completion) Resolved() bool { return c.State() != StatePending }

// Err returns the failure or cancellation cause, or nil while pending or on
// success.
func (c *Completion) Err() error {
	if e, ok := c.err.Load().(error); ok {
		return e
	}
	return nil
}

// Wait blocks until the future resolves or ctx expires. On resolution it
// returns the future's error; on expiry it returns the context's error.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecutionFailure wraps the error raised by a job's Run.
type ExecutionFailure struct {
	TaskID string
	Cause  error
}

func (e *ExecutionFailure) Error() string {
	if e.Cause == nil {
		return "job execution failed"
	}
	return "job execution failed: " + e.Cause.Error()
}

func (e *ExecutionFailure) Unwrap() error { return e.Cause }
