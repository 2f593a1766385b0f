package future

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

func TestResolveThenWait(t *testing.T) {
	f := New[int]()
	assert.False(t, f.IsDone())

	require.True(t, f.Resolve(42))
	v, err := f.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSetOnce(t *testing.T) {
	f := New[string]()
	assert.True(t, f.Resolve("first"))
	assert.False(t, f.Resolve("second"))
	assert.False(t, f.Fail(errors.New("late")))

	v, err := f.Wait(context.Background(), 0)
	assert.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestFail(t *testing.T) {
	boom := errors.New("boom")
	f := New[int]()
	f.Fail(boom)

	_, err := f.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestWaitTimeout(t *testing.T) {
	f := New[int]()

	start := time.Now()
	_, err := f.Wait(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// 超时后仍可完成，只是没人读取
	assert.True(t, f.Resolve(1))
}

func TestWaitContextCancel(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveFromAnotherGoroutine(t *testing.T) {
	f := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Resolve(7)
	}()

	v, err := f.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestConcurrentCompleteExactlyOnce(t *testing.T) {
	f := New[int]()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Resolve(i) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	<-f.Done()
}
