package parallel

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStrided_AllItemsOnce(t *testing.T) {
	items := make([]int, 17)
	for i := range items {
		items[i] = i
	}

	results := RunStrided(context.Background(), items, 4, func(_ context.Context, item, _ int) int {
		return item * 2
	})

	require.Len(t, results, len(items))
	sort.Ints(results)
	for i, r := range results {
		assert.Equal(t, i*2, r)
	}
}

func TestRunStrided_ColumnMajorAssignment(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6}

	var mu sync.Mutex
	byWorker := make(map[int][]int)
	RunStrided(context.Background(), items, 3, func(_ context.Context, item, workerID int) struct{} {
		mu.Lock()
		byWorker[workerID] = append(byWorker[workerID], item)
		mu.Unlock()
		return struct{}{}
	})

	// Worker i owns the strided row i, i+3, i+6, ... in order.
	assert.Equal(t, []int{0, 3, 6}, byWorker[0])
	assert.Equal(t, []int{1, 4}, byWorker[1])
	assert.Equal(t, []int{2, 5}, byWorker[2])
}

func TestRunStrided_ResultsInWorkerOrder(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5}

	results := RunStrided(context.Background(), items, 2, func(_ context.Context, item, _ int) int {
		return item
	})

	// Worker 0's row (0,2,4) then worker 1's row (1,3,5).
	assert.Equal(t, []int{0, 2, 4, 1, 3, 5}, results)
}

func TestRunStrided_EmptyAndDefaults(t *testing.T) {
	assert.Nil(t, RunStrided(context.Background(), nil, 3, func(_ context.Context, item, _ int) int {
		return item
	}))

	// Zero workers falls back to a sane default; more workers than items is
	// clamped.
	results := RunStrided(context.Background(), []int{1, 2}, 0, func(_ context.Context, item, _ int) int {
		return item
	})
	assert.Len(t, results, 2)

	results = RunStrided(context.Background(), []int{1}, 16, func(_ context.Context, item, _ int) int {
		return item
	})
	assert.Equal(t, []int{1}, results)
}

func TestRunStrided_ContextCancelStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	items := make([]int, 100)
	var processed sync.Map
	results := RunStrided(ctx, items, 1, func(_ context.Context, _ int, _ int) int {
		processed.Store("ran", true)
		cancel()
		return 0
	})

	// The first item runs, cancellation stops the rest of the row.
	assert.Len(t, results, 1)
}

func TestForEachStrided(t *testing.T) {
	var count sync.WaitGroup
	items := []int{1, 2, 3, 4}
	count.Add(len(items))

	var mu sync.Mutex
	total := 0
	ForEachStrided(context.Background(), items, 2, func(_ context.Context, item, _ int) {
		mu.Lock()
		total += item
		mu.Unlock()
		count.Done()
	})

	count.Wait()
	assert.Equal(t, 10, total)
}
