package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrNotStarted marks items Run skipped because its context ended first.
var ErrNotStarted = errors.New("item not started")

// FanOut runs items in chunks of Size with Delay between chunks so a batch
// does not flood a provider.
type FanOut struct {
	Size  int
	Delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFanOut(size int, delay time.Duration) *FanOut {
	if size <= 0 {
		size = 1
	}
	return &FanOut{Size: size, Delay: delay, sleep: sleepCtx}
}

// Run calls fn for every index in [0, n) and returns the per-item errors.
// Items of a chunk run concurrently; chunks run one after another. When ctx
// ends between chunks, the remaining items get ErrNotStarted and Run returns
// the context error.
func (f *FanOut) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) ([]error, error) {
	errs := make([]error, n)
	if n == 0 {
		return errs, nil
	}
	pool, err := ants.NewPool(f.Size)
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	for start := 0; start < n; start += f.Size {
		err := ctx.Err()
		if err == nil && start > 0 && f.Delay > 0 {
			err = f.sleep(ctx, f.Delay)
		}
		if err != nil {
			for i := start; i < n; i++ {
				errs[i] = fmt.Errorf("%w: %w", ErrNotStarted, err)
			}
			return errs, err
		}
		end := min(start+f.Size, n)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			if err := pool.Submit(func() {
				defer wg.Done()
				errs[i] = fn(ctx, i)
			}); err != nil {
				wg.Done()
				errs[i] = err
			}
		}
		wg.Wait()
	}
	return errs, nil
}
