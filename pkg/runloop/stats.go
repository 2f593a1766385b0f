package runloop

import (
	"sync"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// RunLoop 统计信息
// ═══════════════════════════════════════════════════════════════════════════

// LoopStats RunLoop 运行时统计快照
type LoopStats struct {
	// 条目计数
	Received int64 // 入队的 Stanza 数
	Handled  int64 // 处理成功的 Stanza 数
	Errors   int64 // 处理失败（含 panic）数
	OffLoop  int64 // 转交共享池的条目数
	Evicted  int64 // 淘汰的 Handle 数

	// 延迟统计
	TotalLatency   time.Duration
	AverageLatency time.Duration
	MaxLatency     time.Duration
	MinLatency     time.Duration

	// 时间戳
	StartedAt     time.Time
	LastReceiveAt time.Time
	LastErrorAt   time.Time

	LastError error
}

// StatsCollector 线程安全的统计收集器
type StatsCollector struct {
	mu    sync.RWMutex
	stats LoopStats
}

// NewStatsCollector 创建统计收集器
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: freshStats()}
}

func freshStats() LoopStats {
	return LoopStats{
		StartedAt:  time.Now(),
		MinLatency: time.Duration(1<<63 - 1), // 确保第一次会被更新
	}
}

// RecordReceived 记录入队
func (c *StatsCollector) RecordReceived() {
	c.mu.Lock()
	c.stats.Received++
	c.stats.LastReceiveAt = time.Now()
	c.mu.Unlock()
}

// RecordHandled 记录处理成功
func (c *StatsCollector) RecordHandled(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Handled++
	c.stats.TotalLatency += latency
	c.stats.AverageLatency = c.stats.TotalLatency / time.Duration(c.stats.Handled)

	if latency > c.stats.MaxLatency {
		c.stats.MaxLatency = latency
	}
	if latency < c.stats.MinLatency {
		c.stats.MinLatency = latency
	}
}

// RecordError 记录处理失败
func (c *StatsCollector) RecordError(err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.LastError = err
	c.stats.LastErrorAt = time.Now()
	c.mu.Unlock()
}

// RecordOffLoop 记录转交共享池
func (c *StatsCollector) RecordOffLoop() {
	c.mu.Lock()
	c.stats.OffLoop++
	c.mu.Unlock()
}

// RecordEvicted 记录淘汰
func (c *StatsCollector) RecordEvicted() {
	c.mu.Lock()
	c.stats.Evicted++
	c.mu.Unlock()
}

// Stats 获取统计快照
func (c *StatsCollector) Stats() LoopStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats
	if s.Handled == 0 {
		s.MinLatency = 0
	}
	return s
}

// Reset 重置统计
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	c.stats = freshStats()
	c.mu.Unlock()
}
