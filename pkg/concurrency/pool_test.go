package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"virtual_exchange/pkg/logging"
)

func TestSubmitRunsTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "test",
		MaxWorkers:  4,
		MaxCapacity: 16,
	}, logging.NewNopLogger())

	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
			wg.Done()
		}))
	}
	wg.Wait()
	pool.Stop()

	assert.Equal(t, int64(10), atomic.LoadInt64(&counter))
}

func TestNonBlockingSubmitRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "tiny",
		MaxWorkers:  1,
		MaxCapacity: 1,
		NonBlocking: true,
	}, logging.NewNopLogger())
	defer pool.Stop()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(func() { <-block }))

	// One slot of queue capacity, then rejection.
	var rejected bool
	for i := 0; i < 5; i++ {
		if err := pool.Submit(func() { <-block }); err != nil {
			rejected = true
			assert.Contains(t, err.Error(), "is full")
			break
		}
	}
	close(block)
	assert.True(t, rejected, "expected a rejection once the queue filled")
}

func TestSubmitAndWaitBlocksUntilDone(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "wait",
		MaxWorkers:  2,
		MaxCapacity: 8,
	}, logging.NewNopLogger())
	defer pool.Stop()

	var done atomic.Bool
	pool.SubmitAndWait(func() {
		time.Sleep(10 * time.Millisecond)
		done.Store(true)
	})
	assert.True(t, done.Load())
}

func TestStatsReportsCounts(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "stats",
		MaxWorkers:  2,
		MaxCapacity: 8,
	}, logging.NewNopLogger())

	pool.SubmitAndWait(func() {})
	stats := pool.Stats()
	pool.Stop()

	assert.GreaterOrEqual(t, stats["submitted_tasks"].(uint64), uint64(1))
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "bench",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, logging.NewNopLogger())
	defer pool.Stop()

	b.ResetTimer()
	var counter int64
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}
