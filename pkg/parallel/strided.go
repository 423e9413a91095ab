// Package parallel provides generic parallel processing utilities.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// DefaultWorkers returns a sane worker count for local fan-out.
func DefaultWorkers() int {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return workers
}

// RunStrided executes items laid out column-major across a fixed set of
// workers: with w workers the items form a grid of w rows, and worker i runs
// items i, i+w, i+2w, ... sequentially. Results are concatenated in worker
// order; callers must not rely on any other ordering.
func RunStrided[T any, R any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T, workerID int) R) []R {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > len(items) {
		workers = len(items)
	}

	rowResults := make([][]R, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			var row []R
			for idx := workerID; idx < len(items); idx += workers {
				select {
				case <-ctx.Done():
					rowResults[workerID] = row
					return
				default:
				}
				row = append(row, fn(ctx, items[idx], workerID))
			}
			rowResults[workerID] = row
		}(w)
	}
	wg.Wait()

	results := make([]R, 0, len(items))
	for _, row := range rowResults {
		results = append(results, row...)
	}
	return results
}

// ForEachStrided is RunStrided for side-effect-only work.
func ForEachStrided[T any](ctx context.Context, items []T, workers int, fn func(ctx context.Context, item T, workerID int)) {
	RunStrided(ctx, items, workers, func(ctx context.Context, item T, workerID int) struct{} {
		fn(ctx, item, workerID)
		return struct{}{}
	})
}
