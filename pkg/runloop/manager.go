package runloop

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// DefaultEvictionInterval 默认的空闲淘汰扫描间隔
const DefaultEvictionInterval = time.Second

// Manager 管理各组件的 RunLoop 集群与 ID 绑定
//
// 绑定表 loopMap 可被任意 goroutine 并发读取，同一 ID 并发
// GetRunLoopForID 只会产生一个绑定。集群的增删由 mu 串行化。
type Manager struct {
	mu       sync.RWMutex
	clusters map[string]*loopCluster
	closed   bool

	loopMap sync.Map // stanza.ID -> *RunLoop

	pool          *offLoopPool
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

// loopCluster 同一组件的 RunLoop 集合
type loopCluster struct {
	component Component
	loops     []*RunLoop // 写时复制
	next      atomic.Uint64
}

// Option Manager 配置选项
type Option func(*Manager)

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithOffLoopWorkers 设置共享工作池的并发上限，默认 runtime.NumCPU()
func WithOffLoopWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pool = newOffLoopPool(n)
		}
	}
}

// WithEvictionInterval 设置空闲淘汰扫描间隔
func WithEvictionInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// NewManager 创建 Manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clusters:      make(map[string]*loopCluster),
		sweepInterval: DefaultEvictionInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.pool == nil {
		m.pool = newOffLoopPool(runtime.NumCPU())
	}
	return m
}

// ═══════════════════════════════════════════════════════════════════════════
// 集群管理
// ═══════════════════════════════════════════════════════════════════════════

// CreateRunLoops 为组件追加 n 个 RunLoop
//
// 组件已存在时沿用首次注册的 Component，只增加 RunLoop 数量。
func (m *Manager) CreateRunLoops(c *Component, n int) error {
	if n <= 0 {
		return ErrInvalidLoopCount
	}
	if c == nil {
		return ErrComponentInvalid
	}
	if err := c.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	cluster, ok := m.clusters[c.Name]
	if !ok {
		cluster = &loopCluster{component: *c}
		m.clusters[c.Name] = cluster
	}

	loops := make([]*RunLoop, len(cluster.loops), len(cluster.loops)+n)
	copy(loops, cluster.loops)
	for i := range n {
		loops = append(loops, newRunLoop(loopConfig{
			component:     cluster.component,
			index:         len(cluster.loops) + i,
			pool:          m.pool,
			binder:        m,
			sweepInterval: m.sweepInterval,
			logger:        m.logger,
			metrics:       m.metrics,
		}))
	}
	cluster.loops = loops

	m.metrics.SetRunLoops(c.Name, len(loops))
	m.logger.Info("run loops created", "component", c.Name, "added", n, "total", len(loops))
	return nil
}

// DestroyRunLoops 停止组件的所有 RunLoop 并清除其绑定
//
// 未处理的条目以 ErrRunLoopStopped 完成，所有 Handle 被释放。
func (m *Manager) DestroyRunLoops(component string) {
	m.mu.Lock()
	cluster, ok := m.clusters[component]
	delete(m.clusters, component)
	m.mu.Unlock()

	if !ok {
		return
	}

	for _, l := range cluster.loops {
		l.stop()
	}

	purged := 0
	m.loopMap.Range(func(key, value any) bool {
		if value.(*RunLoop).component == component && m.loopMap.CompareAndDelete(key, value) {
			purged++
		}
		return true
	})

	m.metrics.SetRunLoops(component, 0)
	m.logger.Info("run loops destroyed", "component", component, "loops", len(cluster.loops), "bindings", purged)
}

// Components 返回已注册的组件名称（升序）
func (m *Manager) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Loops 返回组件的 RunLoop 列表
func (m *Manager) Loops(component string) []*RunLoop {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cluster, ok := m.clusters[component]
	if !ok {
		return nil
	}
	return append([]*RunLoop(nil), cluster.loops...)
}

// NumberOfHandlesInCluster 返回组件所有 RunLoop 上的 Handle 总数
func (m *Manager) NumberOfHandlesInCluster(component string) int {
	total := 0
	for _, l := range m.Loops(component) {
		total += l.HandleCount()
	}
	return total
}

// ResetStats 清空组件所有 RunLoop 的统计，返回涉及的 RunLoop 数
func (m *Manager) ResetStats(component string) int {
	loops := m.Loops(component)
	for _, l := range loops {
		l.ResetStats()
	}
	return len(loops)
}

// Close 销毁所有集群并等待共享工作池排空
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	for _, name := range m.Components() {
		m.DestroyRunLoops(name)
	}

	if err := m.pool.wait(ctx); err != nil {
		m.logger.Warn("off-loop pool did not drain before deadline", "error", err)
		return err
	}
	m.logger.Info("run loop manager closed")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// ID 绑定
// ═══════════════════════════════════════════════════════════════════════════

// GetRunLoopForID 返回 id 绑定的 RunLoop
//
// 未绑定且 createIfAbsent 时，从 id.Domain 对应的集群中选择一个 RunLoop
// 绑定并立即创建 Handle。并发调用只会产生一个绑定，所有调用方得到同一个 RunLoop。
// 组件未注册时返回 false。
func (m *Manager) GetRunLoopForID(id stanza.ID, createIfAbsent bool) (*RunLoop, bool) {
	if loop, ok := m.ownerOf(id); ok {
		return loop, true
	}
	if !createIfAbsent {
		return nil, false
	}

	target := m.pick(id.Domain)
	if target == nil {
		return nil, false
	}

	actual, loaded := m.loopMap.LoadOrStore(id, target)
	loop := actual.(*RunLoop)
	if loop.Stopped() {
		m.loopMap.CompareAndDelete(id, loop)
		return nil, false
	}

	if !loaded {
		if _, err := loop.attach(id); err != nil {
			m.logger.Warn("eager handle creation failed", "id", id.String(), "loop", loop.Name(), "error", err)
		}
	}
	return loop, true
}

// RemoveIDFromRunLoop 解除 id 的绑定并在原 RunLoop 上释放其 Handle
func (m *Manager) RemoveIDFromRunLoop(id stanza.ID) {
	v, ok := m.loopMap.Load(id)
	if !ok {
		return
	}
	loop := v.(*RunLoop)
	if !m.loopMap.CompareAndDelete(id, loop) {
		return
	}
	if err := loop.Dispose(id); err != nil {
		m.logger.Debug("dispose skipped", "id", id.String(), "loop", loop.Name(), "error", err)
	}
}

// pick 为新 ID 选择 RunLoop
func (m *Manager) pick(component string) *RunLoop {
	m.mu.RLock()
	cluster, ok := m.clusters[component]
	var loops []*RunLoop
	if ok {
		loops = cluster.loops
	}
	m.mu.RUnlock()

	if len(loops) == 0 {
		return nil
	}

	if lf := cluster.component.LoadFactor; lf != nil {
		var best *RunLoop
		bestLoad := math.Inf(1)
		for _, l := range loops {
			if load := lf(l); load < bestLoad {
				best, bestLoad = l, load
			}
		}
		if best != nil {
			return best
		}
	}

	i := cluster.next.Add(1) - 1
	return loops[i%uint64(len(loops))]
}

// ownerOf 实现 binder
func (m *Manager) ownerOf(id stanza.ID) (*RunLoop, bool) {
	v, ok := m.loopMap.Load(id)
	if !ok {
		return nil, false
	}
	loop := v.(*RunLoop)
	if loop.Stopped() {
		m.loopMap.CompareAndDelete(id, loop)
		return nil, false
	}
	return loop, true
}

// claim 实现 binder
func (m *Manager) claim(id stanza.ID, l *RunLoop) *RunLoop {
	for {
		actual, loaded := m.loopMap.LoadOrStore(id, l)
		owner := actual.(*RunLoop)
		if !loaded || owner == l || !owner.Stopped() {
			return owner
		}
		m.loopMap.CompareAndDelete(id, owner)
	}
}

// release 实现 binder
func (m *Manager) release(id stanza.ID, l *RunLoop) bool {
	return m.loopMap.CompareAndDelete(id, l)
}
