package runloop

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// offLoopPool 所有 RunLoop 共享的有界工作池
//
// 达到并发上限时 submit 阻塞提交方的 RunLoop，形成背压。
type offLoopPool struct {
	group errgroup.Group
	size  int
}

func newOffLoopPool(size int) *offLoopPool {
	p := &offLoopPool{size: size}
	p.group.SetLimit(size)
	return p
}

func (p *offLoopPool) submit(fn func()) {
	p.group.Go(func() error {
		fn()
		return nil
	})
}

// wait 等待所有在途任务完成，ctx 结束时提前返回 ctx.Err()
func (p *offLoopPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
