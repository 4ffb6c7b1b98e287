package clock

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ExecutorPool is the single cooperative task pool used for I/O and small
// compute work: artifact downloads, recipe parsing, validation
// round-trips. Component-runtime OS processes are not scheduled through it —
// those are unbounded os/exec children managed by the platform adapter.
type ExecutorPool struct {
	sem *semaphore.Weighted
}

// NewExecutorPool creates a pool that runs at most concurrency tasks at
// once. A concurrency of 0 is treated as 1.
func NewExecutorPool(concurrency int64) *ExecutorPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &ExecutorPool{sem: semaphore.NewWeighted(concurrency)}
}

// Submit blocks until a slot is free (or ctx is cancelled) and then runs fn
// synchronously on the calling goroutine's behalf, returning fn's error or
// ctx.Err() if the pool could not be entered.
func (p *ExecutorPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn on a new goroutine once a slot is available, reporting the
// result on the returned channel. Useful when the caller wants to fan out
// several bounded-concurrency tasks and collect results as they land.
func (p *ExecutorPool) Go(ctx context.Context, fn func(ctx context.Context) error) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- p.Submit(ctx, fn)
	}()
	return result
}
