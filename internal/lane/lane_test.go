package lane

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire_SerializesSameKey(t *testing.T) {
	r := NewRegistry[string]()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "packet-1")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, r.Len())
}

func TestAcquire_DifferentKeysDoNotBlock(t *testing.T) {
	r := NewRegistry[string]()
	releaseA, err := r.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := r.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestAcquire_TimeoutLeavesNoTrace(t *testing.T) {
	r := NewRegistry[int]()
	release, err := r.Acquire(context.Background(), 7)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, 7)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, r.Len())

	again, err := r.Acquire(context.Background(), 7)
	require.NoError(t, err)
	again()
}
