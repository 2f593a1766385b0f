package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// DefaultWatchdog 序号缺口的默认等待时间
const DefaultWatchdog = 3 * time.Second

// DefaultIdleTTL 无缓冲、无看门狗的对空闲多久后被回收
const DefaultIdleTTL = 5 * time.Minute

// ErrDiscarded 缓冲中的 Stanza 因 Forget 或 Close 被丢弃
var ErrDiscarded = errors.New("gate: buffered stanza discarded")

// Result Handle 的处理结果
type Result int

const (
	// Delivered 已交给 action
	Delivered Result = iota
	// Buffered 序号超前，已缓冲等待缺口补齐
	Buffered
	// Dropped 序号过期或重复，已丢弃
	Dropped
)

// String 返回结果名称
func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Action 接收按序放行的 Stanza
type Action func(s *stanza.Stanza)

// Discard 接收缓冲后被丢弃的 Stanza，err 包装 ErrDiscarded
type Discard func(s *stanza.Stanza, err error)

// Gate 按 (发送者, 接收者) 对恢复序号顺序
//
// 空闲超过 idleTTL 的对在后续调用中被回收，回收后该对的序号从 0 重新开始。
type Gate struct {
	mu        sync.Mutex
	pairs     map[stanza.Pair]*pairState
	lastSweep time.Time

	watchdog time.Duration
	idleTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// pairState 单个 (发送者, 接收者) 对的排序状态
type pairState struct {
	mu       sync.Mutex
	pair     stanza.Pair
	next     int64
	buffer   map[int64]pending
	timer    *time.Timer
	gen      uint64
	lastUsed time.Time
	// dead 已从 pairs 移除，持有旧指针的调用方需要重新获取
	dead bool
}

type pending struct {
	s       *stanza.Stanza
	action  Action
	discard Discard
}

// Option Gate 配置选项
type Option func(*Gate)

// WithWatchdog 设置缺口等待时间，<= 0 时使用 DefaultWatchdog
func WithWatchdog(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.watchdog = d
		}
	}
}

// WithIdleTTL 设置空闲对的回收时间，<= 0 时使用 DefaultIdleTTL
//
// 应远大于看门狗时间，否则发送方停顿后的下一条 Stanza 会被当作缺口缓冲。
func WithIdleTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.idleTTL = d
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

// New 创建 Gate
func New(opts ...Option) *Gate {
	g := &Gate{
		pairs:    make(map[stanza.Pair]*pairState),
		watchdog: DefaultWatchdog,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lastSweep = g.now()
	return g
}

// Handle 按序放行 Stanza
//
// 未编号的 Stanza 立即放行。编号的 Stanza 只在轮到它时交给 action，
// 超前的被缓冲，过期或重复的被丢弃。action 在持有该对的锁时调用，
// 不得对同一对重入 Handle。
func (g *Gate) Handle(s *stanza.Stanza, action Action) Result {
	return g.HandleWithDiscard(s, action, nil)
}

// HandleWithDiscard 同 Handle，缓冲后因 Forget 或 Close 被丢弃时调用 discard
func (g *Gate) HandleWithDiscard(s *stanza.Stanza, action Action, discard Discard) Result {
	if !s.Sequenced() {
		action(s)
		return Delivered
	}

	st := g.lock(s.Pair())
	defer st.mu.Unlock()
	st.lastUsed = g.now()

	if s.Trace {
		g.logger.Info("stanza trace", "stage", "gate", "pair", st.pair.String(), "seq", s.Seq, "expected", st.next)
	}

	switch {
	case s.Seq < st.next:
		g.logger.Warn("dropping stale stanza", "pair", st.pair.String(), "seq", s.Seq, "expected", st.next, "stanza", s.ID)
		g.metrics.IncGateStale()
		return Dropped

	case s.Seq == st.next:
		action(s)
		st.next++
		g.drain(st)
		return Delivered

	default:
		if _, dup := st.buffer[s.Seq]; dup {
			g.logger.Warn("dropping duplicate buffered stanza", "pair", st.pair.String(), "seq", s.Seq, "stanza", s.ID)
			g.metrics.IncGateStale()
			return Dropped
		}
		st.buffer[s.Seq] = pending{s: s, action: action, discard: discard}
		g.metrics.AddGateBuffered(1)
		if st.timer == nil {
			g.arm(st)
		}
		g.logger.Debug("buffering out-of-order stanza", "pair", st.pair.String(), "seq", s.Seq, "expected", st.next)
		return Buffered
	}
}

// Pending 返回该对缓冲中的 Stanza 数
func (g *Gate) Pending(from, to stanza.ID) int {
	g.mu.Lock()
	st, ok := g.pairs[stanza.Pair{From: from, To: to}]
	g.mu.Unlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.buffer)
}

// Expected 返回该对下一个期望的序号
func (g *Gate) Expected(from, to stanza.ID) int64 {
	g.mu.Lock()
	st, ok := g.pairs[stanza.Pair{From: from, To: to}]
	g.mu.Unlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.next
}

// Pairs 返回正在跟踪的对数
func (g *Gate) Pairs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pairs)
}

// Forget 丢弃该对的排序状态与缓冲，序号从 0 重新开始
func (g *Gate) Forget(from, to stanza.ID) {
	pair := stanza.Pair{From: from, To: to}

	g.mu.Lock()
	st, ok := g.pairs[pair]
	delete(g.pairs, pair)
	g.mu.Unlock()

	if ok {
		g.reset(st, "forgotten")
	}
}

// Close 停止所有看门狗并丢弃缓冲中的 Stanza
func (g *Gate) Close() {
	g.mu.Lock()
	pairs := g.pairs
	g.pairs = make(map[stanza.Pair]*pairState)
	g.mu.Unlock()

	for _, st := range pairs {
		g.reset(st, "gate closed")
	}
}

// Sweep 立即回收空闲对，返回回收数
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(g.now())
}

// lock 返回已加锁的对状态，必要时创建
func (g *Gate) lock(pair stanza.Pair) *pairState {
	for {
		st := g.state(pair)
		st.mu.Lock()
		if !st.dead {
			return st
		}
		st.mu.Unlock()
	}
}

func (g *Gate) state(pair stanza.Pair) *pairState {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= g.idleTTL/2 {
		g.sweepLocked(now)
	}

	st, ok := g.pairs[pair]
	if !ok {
		st = &pairState{pair: pair, buffer: make(map[int64]pending), lastUsed: now}
		g.pairs[pair] = st
	}
	return st
}

// sweepLocked 移除无缓冲、无看门狗且空闲超过 idleTTL 的对，调用方持有 g.mu
func (g *Gate) sweepLocked(now time.Time) int {
	g.lastSweep = now
	removed := 0
	for pair, st := range g.pairs {
		// 正在放行的对不等待
		if !st.mu.TryLock() {
			continue
		}
		if len(st.buffer) == 0 && st.timer == nil && now.Sub(st.lastUsed) >= g.idleTTL {
			st.dead = true
			delete(g.pairs, pair)
			removed++
		}
		st.mu.Unlock()
	}
	if removed > 0 {
		g.logger.Debug("idle sequence pairs expired", "count", removed, "remaining", len(g.pairs))
	}
	return removed
}

// drain 放行缓冲中连续的 Stanza，调用方持有 st.mu
func (g *Gate) drain(st *pairState) {
	progressed := false
	for {
		p, ok := st.buffer[st.next]
		if !ok {
			break
		}
		delete(st.buffer, st.next)
		g.metrics.AddGateBuffered(-1)
		p.action(p.s)
		st.next++
		progressed = true
	}

	if len(st.buffer) == 0 {
		g.disarm(st)
		return
	}
	// 仍有缺口，重新计时
	if progressed {
		g.disarm(st)
		g.arm(st)
	}
}

// arm 为当前缺口启动看门狗，调用方持有 st.mu
func (g *Gate) arm(st *pairState) {
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(g.watchdog, func() {
		g.fire(st, gen)
	})
}

// disarm 调用方持有 st.mu
func (g *Gate) disarm(st *pairState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

// fire 看门狗到期：放弃缺口，按升序放行所有缓冲的 Stanza
func (g *Gate) fire(st *pairState, gen uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.gen != gen || len(st.buffer) == 0 {
		return
	}
	st.timer = nil

	seqs := make([]int64, 0, len(st.buffer))
	for seq := range st.buffer {
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)

	g.logger.Warn("sequence gap timed out, flushing buffered stanzas",
		"pair", st.pair.String(),
		"expected", st.next,
		"buffered", len(seqs),
		"first", seqs[0],
		"last", seqs[len(seqs)-1],
		"waited", g.watchdog)
	g.metrics.IncGateWatchdog()

	for _, seq := range seqs {
		p := st.buffer[seq]
		delete(st.buffer, seq)
		g.metrics.AddGateBuffered(-1)
		p.action(p.s)
	}
	st.next = seqs[len(seqs)-1] + 1
	st.gen++
}

// reset 清空已从 pairs 移除的对，并通知被丢弃 Stanza 的 discard
func (g *Gate) reset(st *pairState, reason string) {
	st.mu.Lock()
	g.disarm(st)
	st.dead = true
	dropped := make([]pending, 0, len(st.buffer))
	for _, p := range st.buffer {
		dropped = append(dropped, p)
	}
	if n := len(dropped); n > 0 {
		g.logger.Warn("discarding buffered stanzas", "pair", st.pair.String(), "count", n, "reason", reason)
		g.metrics.AddGateBuffered(-n)
	}
	clear(st.buffer)
	st.next = 0
	st.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrDiscarded, reason)
	for _, p := range dropped {
		if p.discard != nil {
			p.discard(p.s, err)
		}
	}
}
