package runloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// binder ID 到 RunLoop 的绑定表，由 Manager 实现
type binder interface {
	// ownerOf 返回 id 当前绑定的 RunLoop
	ownerOf(id stanza.ID) (*RunLoop, bool)
	// claim 在 id 未绑定时绑定到 l，返回最终绑定的 RunLoop
	claim(id stanza.ID, l *RunLoop) *RunLoop
	// release 仅当 id 绑定在 l 上时解除绑定
	release(id stanza.ID, l *RunLoop) bool
}

// workItem 邮箱条目
type workItem struct {
	id       stanza.ID
	stanza   *stanza.Stanza
	done     DoneFunc
	control  func() // 非 nil 时为在 RunLoop 上执行的内部操作
	enqueued time.Time
}

// handleEntry 存活的 Handle 及其最近使用时间
type handleEntry struct {
	handle   Handle
	lastUsed atomic.Int64 // unix nano
}

func (e *handleEntry) touch() {
	e.lastUsed.Store(time.Now().UnixNano())
}

func (e *handleEntry) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastUsed.Load()))
}

// loopConfig 创建 RunLoop 所需的参数
type loopConfig struct {
	component     Component
	index         int
	pool          *offLoopPool
	binder        binder
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// RunLoop 单 goroutine 的串行执行器
//
// 邮箱为无界 FIFO，入队永不阻塞。绑定到同一 RunLoop 的所有 ID
// 按入队顺序串行处理，Handle 因此无需加锁。
type RunLoop struct {
	name      string
	component string
	index     int

	factory       Factory
	eviction      EvictionPolicy
	sweepInterval time.Duration

	pool    *offLoopPool
	binder  binder
	logger  *slog.Logger
	metrics *metrics.Metrics
	stats   *StatsCollector

	// 邮箱
	mu      sync.Mutex
	queue   []workItem
	notify  chan struct{}
	stopped bool

	// Handle 表
	handlesMu   sync.RWMutex
	handles     map[stanza.ID]*handleEntry
	handleCount atomic.Int64

	offLoop sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRunLoop(cfg loopConfig) *RunLoop {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}

	name := fmt.Sprintf("%s#%d", cfg.component.Name, cfg.index)
	l := &RunLoop{
		name:          name,
		component:     cfg.component.Name,
		index:         cfg.index,
		factory:       cfg.component.Factory,
		eviction:      cfg.component.Eviction,
		sweepInterval: cfg.sweepInterval,
		pool:          cfg.pool,
		binder:        cfg.binder,
		logger:        logger.With("loop", name),
		metrics:       cfg.metrics,
		stats:         NewStatsCollector(),
		notify:        make(chan struct{}, 1),
		handles:       make(map[stanza.ID]*handleEntry),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	go l.run()
	return l
}

// Name 返回 "component#index"
func (l *RunLoop) Name() string { return l.name }

// Component 返回所属组件名称
func (l *RunLoop) Component() string { return l.component }

// Index 返回在组件内的序号
func (l *RunLoop) Index() int { return l.index }

// HandleCount 返回存活 Handle 数
func (l *RunLoop) HandleCount() int {
	return int(l.handleCount.Load())
}

// QueueLen 返回邮箱中等待处理的条目数
func (l *RunLoop) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Has reports whether a live handle for id exists on this loop.
func (l *RunLoop) Has(id stanza.ID) bool {
	l.handlesMu.RLock()
	defer l.handlesMu.RUnlock()
	_, ok := l.handles[id]
	return ok
}

// Stats 返回统计快照
func (l *RunLoop) Stats() LoopStats {
	return l.stats.Stats()
}

// ResetStats 清空统计，StartedAt 从此刻重新计
func (l *RunLoop) ResetStats() {
	l.stats.Reset()
}

// Stopped reports whether the loop no longer accepts work.
func (l *RunLoop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// ═══════════════════════════════════════════════════════════════════════════
// 入队
// ═══════════════════════════════════════════════════════════════════════════

// Submit 把发往 id 的 Stanza 放入邮箱
//
// done 在 Handle 应答或失败时调用一次，可以为 nil。
// RunLoop 已停止时返回 ErrRunLoopStopped，done 不会被调用。
func (l *RunLoop) Submit(id stanza.ID, s *stanza.Stanza, done DoneFunc) error {
	if err := l.enqueue(workItem{id: id, stanza: s, done: done}); err != nil {
		return err
	}
	l.stats.RecordReceived()
	return nil
}

// Dispose 在 RunLoop 上释放 id 的 Handle
//
// 释放排在此前入队的条目之后执行。执行时 id 若已重新绑定到本 RunLoop 则跳过。
func (l *RunLoop) Dispose(id stanza.ID) error {
	return l.enqueue(workItem{id: id, control: func() {
		if l.binder != nil {
			if owner, ok := l.binder.ownerOf(id); ok && owner == l {
				return
			}
		}
		l.disposeHandle(id, "removed")
	}})
}

func (l *RunLoop) enqueue(item workItem) error {
	item.enqueued = time.Now()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrRunLoopStopped
	}
	l.queue = append(l.queue, item)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *RunLoop) next() (workItem, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return workItem{}, false
	}
	item := l.queue[0]
	l.queue[0] = workItem{}
	l.queue = l.queue[1:]
	if len(l.queue) == 0 {
		l.queue = nil
	}
	return item, true
}

// ═══════════════════════════════════════════════════════════════════════════
// 消息循环
// ═══════════════════════════════════════════════════════════════════════════

func (l *RunLoop) run() {
	defer close(l.done)

	var sweep <-chan time.Time
	if l.eviction != nil && l.sweepInterval > 0 {
		t := time.NewTicker(l.sweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-sweep:
			l.sweepIdle()
		default:
		}

		if item, ok := l.next(); ok {
			l.execute(item)
			continue
		}

		select {
		case <-l.ctx.Done():
			return
		case <-sweep:
			l.sweepIdle()
		case <-l.notify:
		}
	}
}

// execute 处理单个条目
func (l *RunLoop) execute(item workItem) {
	if item.control != nil {
		item.control()
		return
	}

	entry, forwarded, err := l.handleFor(item)
	if forwarded {
		return
	}
	if err != nil {
		l.logger.Error("handle creation failed", "id", item.id.String(), "error", err)
		l.stats.RecordError(err)
		l.metrics.IncHandlerError(l.component)
		complete(item.done, nil, err)
		return
	}
	entry.touch()

	c := newContext(l.ctx, l, item.id, item.stanza, item.done)
	if item.stanza.Trace {
		l.logger.Info("stanza trace", "stage", "runloop", "id", item.id.String(),
			"stanza", item.stanza.ID, "queued", time.Since(item.enqueued))
	}

	if cl, ok := entry.handle.(Classifier); ok && l.pool != nil && cl.Classify(item.stanza) == OffLoopPool {
		l.stats.RecordOffLoop()
		l.metrics.IncOffLoop(l.component)
		l.offLoop.Add(1)
		l.pool.submit(func() {
			defer l.offLoop.Done()
			l.invoke(entry.handle, c)
		})
		return
	}

	l.invoke(entry.handle, c)
}

// handleFor 返回条目对应的 Handle，必要时懒创建
//
// id 已绑定到其他 RunLoop 时把条目转发过去，forwarded 为 true。
func (l *RunLoop) handleFor(item workItem) (entry *handleEntry, forwarded bool, err error) {
	l.handlesMu.RLock()
	entry = l.handles[item.id]
	l.handlesMu.RUnlock()
	if entry != nil {
		return entry, false, nil
	}

	if l.binder != nil {
		if owner := l.binder.claim(item.id, l); owner != l {
			l.logger.Debug("forwarding stanza to rebound loop", "id", item.id.String(), "to", owner.Name())
			if ferr := owner.enqueue(item); ferr != nil {
				complete(item.done, nil, ferr)
			}
			return nil, true, nil
		}
	}

	entry, err = l.attach(item.id)
	return entry, false, err
}

// attach 为 id 创建并登记 Handle，已存在时直接返回
func (l *RunLoop) attach(id stanza.ID) (*handleEntry, error) {
	l.handlesMu.Lock()
	defer l.handlesMu.Unlock()

	if entry, ok := l.handles[id]; ok {
		return entry, nil
	}
	if l.Stopped() {
		return nil, ErrRunLoopStopped
	}

	h, err := l.factory(id)
	if err != nil {
		return nil, fmt.Errorf("runloop: create handle for %s: %w", id, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrNilHandle, id)
	}

	entry := &handleEntry{handle: h}
	entry.touch()
	l.handles[id] = entry
	l.handleCount.Add(1)
	l.metrics.AddHandles(l.component, 1)

	l.logger.Debug("handle attached", "id", id.String())
	return entry, nil
}

// invoke 调用 Handle.Process，捕获 panic
func (l *RunLoop) invoke(h Handle, c *Context) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			l.logger.Error("panic in handler",
				"id", c.Self.String(),
				"kind", c.Stanza.Kind,
				"error", r,
				"stack", string(debug.Stack()))
			l.fail(c, err)
		}
	}()

	if err := h.Process(c, c.Stanza); err != nil {
		l.logger.Warn("handler returned error", "id", c.Self.String(), "kind", c.Stanza.Kind, "error", err)
		l.fail(c, err)
		return
	}

	latency := time.Since(start)
	l.stats.RecordHandled(latency)
	l.metrics.ObserveProcessed(l.component, latency)
}

func (l *RunLoop) fail(c *Context, err error) {
	l.stats.RecordError(err)
	l.metrics.IncHandlerError(l.component)
	c.complete(nil, err)
}

func complete(done DoneFunc, reply *stanza.Stanza, err error) {
	if done != nil {
		done(reply, err)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// 淘汰与释放
// ═══════════════════════════════════════════════════════════════════════════

// sweepIdle 淘汰空闲 Handle，只在 RunLoop 的 goroutine 上调用
func (l *RunLoop) sweepIdle() {
	now := time.Now()

	l.handlesMu.RLock()
	var victims []stanza.ID
	for id, entry := range l.handles {
		if l.eviction.ShouldEvict(id, entry.idle(now)) {
			victims = append(victims, id)
		}
	}
	l.handlesMu.RUnlock()

	for _, id := range victims {
		if l.binder != nil {
			l.binder.release(id, l)
		}
		if l.disposeHandle(id, "evicted") {
			l.stats.RecordEvicted()
		}
	}
}

// disposeHandle 移除并释放 id 的 Handle，不存在时返回 false
func (l *RunLoop) disposeHandle(id stanza.ID, reason string) bool {
	l.handlesMu.Lock()
	entry, ok := l.handles[id]
	if ok {
		delete(l.handles, id)
	}
	l.handlesMu.Unlock()

	if !ok {
		return false
	}

	l.handleCount.Add(-1)
	l.metrics.AddHandles(l.component, -1)
	l.safeDispose(id, entry.handle)
	l.logger.Debug("handle disposed", "id", id.String(), "reason", reason)
	return true
}

func (l *RunLoop) safeDispose(id stanza.ID, h Handle) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in handle dispose", "id", id.String(), "error", r)
		}
	}()
	h.Dispose()
}

// stop 停止接收新条目，结束消息循环并释放所有 Handle
//
// 未处理的条目以 ErrRunLoopStopped 完成。可重复调用。
func (l *RunLoop) stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	l.cancel()
	<-l.done

	for _, item := range pending {
		if item.control == nil {
			complete(item.done, nil, ErrRunLoopStopped)
		}
	}

	l.offLoop.Wait()

	l.handlesMu.Lock()
	handles := l.handles
	l.handles = make(map[stanza.ID]*handleEntry)
	l.handlesMu.Unlock()

	for id, entry := range handles {
		l.handleCount.Add(-1)
		l.metrics.AddHandles(l.component, -1)
		l.safeDispose(id, entry.handle)
	}

	l.logger.Debug("run loop stopped", "disposed", len(handles), "abandoned", len(pending))
}
