package singleflight_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classmarkets/dnslb/singleflight"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	g := singleflight.New()

	var calls int64
	var wg sync.WaitGroup
	results := make([]int, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := g.Do(context.Background(), "A:hot.example.com.", false, time.Second, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v.(int)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for _, r := range results {
		assert.Equal(t, 42, r)
	}
}

func TestDoBypassesGateWhenTTL0(t *testing.T) {
	g := singleflight.New()

	var calls int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.Do(context.Background(), "A:hot.example.com.", true, time.Second, func(ctx context.Context) (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, atomic.LoadInt64(&calls))
}

func TestDoPromotesOnError(t *testing.T) {
	g := singleflight.New()

	var primaryCalls int64

	start := make(chan struct{})
	first := make(chan struct{})

	go func() {
		_, _ = g.Do(context.Background(), "A:flaky.example.com.", false, 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
			atomic.AddInt64(&primaryCalls, 1)
			close(first)
			return nil, errors.New("boom")
		})
	}()

	<-first
	close(start)

	v, err := g.Do(context.Background(), "A:flaky.example.com.", false, 20*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDoExceedsRetryBudget(t *testing.T) {
	g := singleflight.New()

	blockA := make(chan struct{})
	blockB := make(chan struct{})
	defer close(blockA)
	defer close(blockB)

	started := make(chan struct{})

	// primary1: installs the pending record for the key and blocks forever.
	go func() {
		_, _ = g.Do(context.Background(), "A:stuck.example.com.", false, time.Hour, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-blockA
			return nil, nil
		})
	}()
	<-started

	// waiter B times out quickly, promotes, and installs a second
	// never-completing pending record (primary2) before W's own timeout
	// fires.
	bReady := make(chan struct{})
	go func() {
		close(bReady)
		_, _ = g.Do(context.Background(), "A:stuck.example.com.", false, 5*time.Millisecond, func(ctx context.Context) (interface{}, error) {
			<-blockB
			return nil, nil
		})
	}()
	<-bReady

	// W waits on primary1, times out once (retries=1, within budget),
	// finds primary2 pending on its next loop iteration, times out again
	// (retries=2, exceeds MaxRetry=1).
	_, err := g.Do(context.Background(), "A:stuck.example.com.", false, 30*time.Millisecond, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("still stuck")
	})
	assert.ErrorIs(t, err, singleflight.ErrRetryExceeded)
}
