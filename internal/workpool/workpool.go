// Package workpool bounds the number of blocking jobs (process spawns,
// control scripts, archive extraction) running at once.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool with size slots; size <= 0 means GOMAXPROCS.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int { return p.size }

// Do runs fn on the caller's goroutine once a slot is free. It returns
// ctx.Err() without running fn when ctx ends first.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn in a new goroutine once a slot is free and returns a channel
// that receives its result.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- p.Do(ctx, fn) }()
	return ch
}
