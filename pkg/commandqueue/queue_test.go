package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	result, err := q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_AgentLaneSerializes(t *testing.T) {
	q := New()
	defer q.Close()

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					prev := atomic.LoadInt32(&maxRunning)
					if n <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The agent lane has concurrency 1, so tasks never overlap
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestQueue_SerialTiming(t *testing.T) {
	q := New()
	defer q.Close()

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
				time.Sleep(100 * time.Millisecond)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	// Two 100ms tasks in the same lane take roughly 200ms end to end
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestQueue_ConcurrentLanes(t *testing.T) {
	q := New()
	defer q.Close()
	q.initLane("wide", 4)

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), "wide", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					prev := atomic.LoadInt32(&maxRunning)
					if n <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, n) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	assert.Greater(t, atomic.LoadInt32(&maxRunning), int32(1))
}

func TestQueue_ResetLaneRejectsQueued(t *testing.T) {
	q := New()
	defer q.Close()

	blocker := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
			<-blocker
			return nil, nil
		}, nil)
	}()

	// Wait for the blocker task to start running
	require.Eventually(t, func() bool {
		return q.RunningCount(LaneAgent) == 1
	}, time.Second, 5*time.Millisecond)

	queuedErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, nil)
		queuedErr <- err
	}()

	require.Eventually(t, func() bool {
		return q.QueueSize(LaneAgent) == 1
	}, time.Second, 5*time.Millisecond)

	rejected := q.ResetLane(LaneAgent)
	assert.Equal(t, 1, rejected)

	err := <-queuedErr
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "lane reset")

	close(blocker)
	wg.Wait()
}

func TestQueue_WarnTimer(t *testing.T) {
	q := New()
	defer q.Close()

	blocker := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
			<-blocker
			return nil, nil
		}, nil)
	}()

	require.Eventually(t, func() bool {
		return q.RunningCount(LaneAgent) == 1
	}, time.Second, 5*time.Millisecond)

	warned := make(chan int, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Enqueue(context.Background(), LaneAgent, func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, &TaskOptions{
			WarnAfter: 20 * time.Millisecond,
			OnWait: func(wait time.Duration, queuePos int) {
				select {
				case warned <- queuePos:
				default:
				}
			},
		})
	}()

	select {
	case pos := <-warned:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("expected wait warning")
	}

	close(blocker)
	wg.Wait()
}
