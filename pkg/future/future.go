// Package future 提供一次性结果单元（set-once cell）
//
// [Future] 只能被完成一次：[Future.Resolve] 或 [Future.Fail] 中先到者生效，
// 之后的调用返回 false。等待方通过关闭的 channel 得到通知，
// 不存在条件变量式的丢失唤醒或重复释放。
//
//	f := future.New[*stanza.Stanza]()
//	go func() { f.Resolve(reply) }()
//	v, err := f.Wait(ctx, 50*time.Millisecond)
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout 等待超时
var ErrTimeout = errors.New("future: timed out waiting for result")

// Future 一次性结果单元
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
	set   bool
}

// New 创建未完成的 Future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve 以成功值完成，已完成时返回 false
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Fail 以错误完成，已完成时返回 false
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		return false
	}
	f.value = v
	f.err = err
	f.set = true
	close(f.done)
	return true
}

// Done 返回完成时关闭的 channel
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait 等待结果，最长 timeout；timeout <= 0 表示只受 ctx 约束
//
// 超时返回 ErrTimeout，ctx 取消返回 ctx.Err()。
// 超时后 Future 仍可被完成，但结果不再有人读取。
func (f *Future[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	// 已完成时直接返回，避免创建定时器
	if f.IsDone() {
		return f.value, f.err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
