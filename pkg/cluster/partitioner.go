package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
)

const (
	// DefaultProbeTimeout 单次能力探测的默认超时
	DefaultProbeTimeout = 2 * time.Second
	// DefaultProbeConcurrency 默认的并发探测数
	DefaultProbeConcurrency = 8
	// DefaultRefreshInterval 默认的周期重平衡间隔
	DefaultRefreshInterval = 30 * time.Second
)

// Partitioner 无协调者地把永久监听器分摊到集群
//
// 每个节点独立运行同一个确定性划分：owner 按全局顺序排列，
// 第 i 个归第 i mod m 个候选节点。只要各节点看到相同的 owner 与候选集合，
// 每个 owner 恰好在一个节点上运行。
type Partitioner struct {
	mu       sync.Mutex
	assigned []string

	membership Membership
	prober     Prober
	registry   Registry
	host       ListenerHost

	probeTimeout     time.Duration
	probeConcurrency int
	refreshInterval  time.Duration

	trigger chan struct{}
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option Partitioner 配置选项
type Option func(*Partitioner)

// WithProbeTimeout 设置单次探测超时
func WithProbeTimeout(d time.Duration) Option {
	return func(p *Partitioner) {
		if d > 0 {
			p.probeTimeout = d
		}
	}
}

// WithProbeConcurrency 设置并发探测数
func WithProbeConcurrency(n int) Option {
	return func(p *Partitioner) {
		if n > 0 {
			p.probeConcurrency = n
		}
	}
}

// WithRefreshInterval 设置 Run 的周期重平衡间隔
func WithRefreshInterval(d time.Duration) Option {
	return func(p *Partitioner) {
		if d > 0 {
			p.refreshInterval = d
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(p *Partitioner) {
		p.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Partitioner) {
		p.metrics = m
	}
}

// New 创建 Partitioner
func New(membership Membership, prober Prober, registry Registry, host ListenerHost, opts ...Option) *Partitioner {
	p := &Partitioner{
		membership:       membership,
		prober:           prober,
		registry:         registry,
		host:             host,
		probeTimeout:     DefaultProbeTimeout,
		probeConcurrency: DefaultProbeConcurrency,
		refreshInterval:  DefaultRefreshInterval,
		trigger:          make(chan struct{}, 1),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Assigned 返回本节点当前承担的 owner（升序）
func (p *Partitioner) Assigned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.assigned)
}

// Trigger 请求 Run 尽快重平衡，不阻塞
func (p *Partitioner) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Rebalance 重新计算本节点的份额并启停监听器
//
// 获取 owner 或成员失败时保留原有分配并返回错误。
// 探测失败或超时的节点本轮不参与划分。
func (p *Partitioner) Rebalance(ctx context.Context) (Assignment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior := Assignment{Assigned: slices.Clone(p.assigned)}

	self := p.membership.Self()
	if self.ID == "" {
		p.metrics.IncRebalance("error")
		return prior, ErrNoSelf
	}

	rawOwners, err := p.registry.Owners(ctx)
	if err != nil {
		p.metrics.IncRebalance("error")
		p.logger.Error("rebalance aborted, keeping prior assignment", "stage", "owners", "error", err)
		return prior, fmt.Errorf("cluster: fetch owners: %w", err)
	}
	owners := normalize(rawOwners)

	members, err := p.membership.Members(ctx)
	if err != nil {
		p.metrics.IncRebalance("error")
		p.logger.Error("rebalance aborted, keeping prior assignment", "stage", "members", "error", err)
		return prior, fmt.Errorf("cluster: fetch members: %w", err)
	}

	candidates := p.candidates(ctx, self, members)
	target := Assign(owners, candidates, self.ID)
	started, stopped := p.apply(ctx, target)

	p.metrics.IncRebalance("ok")
	p.metrics.SetAssigned(len(p.assigned))

	a := Assignment{
		Owners:     owners,
		Candidates: candidates,
		Ordinal:    slices.Index(candidates, self.ID),
		Assigned:   slices.Clone(p.assigned),
		Started:    started,
		Stopped:    stopped,
	}
	p.logger.Info("listeners rebalanced",
		"owners", len(owners),
		"candidates", len(candidates),
		"ordinal", a.Ordinal,
		"assigned", len(a.Assigned),
		"started", len(started),
		"stopped", len(stopped))
	return a, nil
}

// candidates 返回本轮的候选节点（含本节点，升序）
func (p *Partitioner) candidates(ctx context.Context, self Member, members []Member) []string {
	seen := map[string]bool{self.ID: true}
	var others []Member
	for _, m := range members {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		others = append(others, m)
	}

	if len(others) == 0 {
		return []string{self.ID}
	}

	capable := make([]bool, len(others))
	var g errgroup.Group
	g.SetLimit(p.probeConcurrency)
	for i, m := range others {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
			defer cancel()

			ok, err := p.prober.Probe(probeCtx, m)
			if err != nil {
				p.metrics.IncProbeFailure()
				p.logger.Warn("capability probe failed, excluding member", "member", m.ID, "addr", m.Addr, "error", err)
				return nil
			}
			if !ok {
				p.logger.Debug("member cannot host permanent listeners", "member", m.ID)
			}
			capable[i] = ok
			return nil
		})
	}
	_ = g.Wait()

	out := []string{self.ID}
	for i, m := range others {
		if capable[i] {
			out = append(out, m.ID)
		}
	}
	slices.Sort(out)
	return out
}

// apply 停止不再归属本节点的监听器，启动新分到的，调用方持有 p.mu
func (p *Partitioner) apply(ctx context.Context, target []string) (started, stopped []string) {
	want := make(map[string]bool, len(target))
	for _, owner := range target {
		want[owner] = true
	}

	kept := make([]string, 0, len(target))
	have := make(map[string]bool, len(p.assigned))
	for _, owner := range p.assigned {
		if want[owner] {
			kept = append(kept, owner)
			have[owner] = true
			continue
		}
		if err := p.host.Stop(ctx, owner); err != nil {
			// 仍视为本节点持有，下一轮重试停止
			p.logger.Warn("failed to stop listener", "owner", owner, "error", err)
			kept = append(kept, owner)
			continue
		}
		stopped = append(stopped, owner)
	}

	for _, owner := range target {
		if have[owner] {
			continue
		}
		if err := p.host.Start(ctx, owner); err != nil {
			// 下一轮重试
			p.logger.Warn("failed to start listener", "owner", owner, "error", err)
			continue
		}
		kept = append(kept, owner)
		started = append(started, owner)
	}

	slices.Sort(kept)
	p.assigned = kept
	return started, stopped
}

// Release 停止本节点的所有监听器，用于关闭前让出份额
//
// 停止失败的 owner 仍保留在 Assigned 中。
func (p *Partitioner) Release(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var failed []string
	for _, owner := range p.assigned {
		if err := p.host.Stop(ctx, owner); err != nil {
			p.logger.Warn("failed to stop listener", "owner", owner, "error", err)
			failed = append(failed, owner)
		}
	}
	if released := len(p.assigned) - len(failed); released > 0 {
		p.logger.Info("listeners released", "count", released)
	}
	p.assigned = failed
	p.metrics.SetAssigned(len(failed))
}

// Run 立即重平衡一次，之后在 triggers、Trigger 或周期到达时重平衡
//
// ctx 结束时释放所有监听器并返回 nil。triggers 可以为 nil。
func (p *Partitioner) Run(ctx context.Context, triggers <-chan struct{}) error {
	ticker := time.NewTicker(p.refreshInterval)
	defer ticker.Stop()

	p.rebalanceLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			p.Release(context.WithoutCancel(ctx))
			return nil
		case <-triggers:
		case <-p.trigger:
		case <-ticker.C:
		}
		p.rebalanceLogged(ctx)
	}
}

func (p *Partitioner) rebalanceLogged(ctx context.Context) {
	if _, err := p.Rebalance(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("rebalance failed", "error", err)
	}
}
