package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ═══════════════════════════════════════════════════════════════════════════
// 静态成员
// ═══════════════════════════════════════════════════════════════════════════

// StaticMembership 配置中给定的固定成员
type StaticMembership struct {
	self  Member
	peers []Member
}

// NewStaticMembership 创建固定成员
func NewStaticMembership(self Member, peers ...Member) *StaticMembership {
	return &StaticMembership{self: self, peers: append([]Member(nil), peers...)}
}

// Self 实现 Membership
func (s *StaticMembership) Self() Member { return s.self }

// Members 实现 Membership
func (s *StaticMembership) Members(context.Context) ([]Member, error) {
	out := make([]Member, 0, len(s.peers)+1)
	out = append(out, s.self)
	return append(out, s.peers...), nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Redis 心跳成员
// ═══════════════════════════════════════════════════════════════════════════

// DefaultMemberTTL 心跳超过该时长未更新的成员被视为离开
const DefaultMemberTTL = 15 * time.Second

// RedisMembership 基于 Redis 心跳的动态成员
//
// 成员 ID 存在有序集合中，分数为最近一次心跳的毫秒时间戳；地址存在 Hash 中。
type RedisMembership struct {
	client redis.Cmdable
	self   Member
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// MembershipOption RedisMembership 配置选项
type MembershipOption func(*RedisMembership)

// WithMemberTTL 设置成员过期时间
func WithMemberTTL(ttl time.Duration) MembershipOption {
	return func(m *RedisMembership) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMembershipLogger 设置日志器
func WithMembershipLogger(logger *slog.Logger) MembershipOption {
	return func(m *RedisMembership) {
		m.logger = logger
	}
}

// NewRedisMembership 创建 Redis 成员，调用方负责 Redis 客户端的生命周期
func NewRedisMembership(client redis.Cmdable, self Member, opts ...MembershipOption) *RedisMembership {
	m := &RedisMembership{
		client: client,
		self:   self,
		ttl:    DefaultMemberTTL,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Self 实现 Membership
func (m *RedisMembership) Self() Member { return m.self }

// Heartbeat 登记或刷新本节点
func (m *RedisMembership) Heartbeat(ctx context.Context) error {
	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, membersKey, redis.Z{Score: float64(m.now().UnixMilli()), Member: m.self.ID})
	pipe.HSet(ctx, memberAddrsKey, m.self.ID, m.self.Addr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cluster/redis: heartbeat: %w", err)
	}
	return nil
}

// Leave 注销本节点
func (m *RedisMembership) Leave(ctx context.Context) error {
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, membersKey, m.self.ID)
	pipe.HDel(ctx, memberAddrsKey, m.self.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cluster/redis: leave: %w", err)
	}
	return nil
}

// Members 实现 Membership，只返回 TTL 内有心跳的成员
func (m *RedisMembership) Members(ctx context.Context) ([]Member, error) {
	cutoff := m.now().Add(-m.ttl).UnixMilli()
	ids, err := m.client.ZRangeByScore(ctx, membersKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster/redis: list members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	addrs, err := m.client.HMGet(ctx, memberAddrsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster/redis: member addresses: %w", err)
	}

	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		addr, _ := addrs[i].(string)
		members = append(members, Member{ID: id, Addr: addr})
	}
	return members, nil
}

// Run 按 interval 发送心跳，ctx 结束时注销本节点
func (m *RedisMembership) Run(ctx context.Context, interval time.Duration) error {
	if err := m.Heartbeat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := m.Leave(leaveCtx); err != nil {
				m.logger.Warn("failed to leave cluster", "member", m.self.ID, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := m.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat failed", "member", m.self.ID, "error", err)
			}
		}
	}
}
