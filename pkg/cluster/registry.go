package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/redis/go-redis/v9"
)

// Redis 键，统一以 "stanza:cluster:" 为前缀
const keyPrefix = "stanza:cluster:"

const (
	// ownersKey 需要永久监听器的 owner 集合
	ownersKey = keyPrefix + "listener_owners"
	// membersKey 成员心跳有序集合
	membersKey = keyPrefix + "members"
	// memberAddrsKey 成员地址 Hash
	memberAddrsKey = keyPrefix + "member_addrs"
)

// Compile-time interface checks.
var (
	_ Registry   = (*RedisRegistry)(nil)
	_ Registry   = StaticRegistry(nil)
	_ Membership = (*RedisMembership)(nil)
	_ Membership = (*StaticMembership)(nil)
)

// StaticRegistry 固定的 owner 列表，用于无 Redis 部署
type StaticRegistry []string

// Owners 实现 Registry
func (r StaticRegistry) Owners(context.Context) ([]string, error) {
	return slices.Clone(r), nil
}

// RedisRegistry 以 Redis 集合保存需要永久监听器的 owner
type RedisRegistry struct {
	client redis.Cmdable
	logger *slog.Logger
}

// RegistryOption RedisRegistry 配置选项
type RegistryOption func(*RedisRegistry)

// WithRegistryLogger 设置日志器
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *RedisRegistry) {
		r.logger = logger
	}
}

// NewRedisRegistry 创建注册表，调用方负责 Redis 客户端的生命周期
func NewRedisRegistry(client redis.Cmdable, opts ...RegistryOption) *RedisRegistry {
	r := &RedisRegistry{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Owners 实现 Registry
func (r *RedisRegistry) Owners(ctx context.Context) ([]string, error) {
	owners, err := r.client.SMembers(ctx, ownersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cluster/redis: list owners: %w", err)
	}
	return owners, nil
}

// Add 登记需要永久监听器的 owner
func (r *RedisRegistry) Add(ctx context.Context, owners ...string) error {
	if len(owners) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, ownersKey, toAny(owners)...).Err(); err != nil {
		return fmt.Errorf("cluster/redis: add owners: %w", err)
	}
	r.logger.Debug("listener owners registered", "count", len(owners))
	return nil
}

// Remove 注销 owner
func (r *RedisRegistry) Remove(ctx context.Context, owners ...string) error {
	if len(owners) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, ownersKey, toAny(owners)...).Err(); err != nil {
		return fmt.Errorf("cluster/redis: remove owners: %w", err)
	}
	r.logger.Debug("listener owners removed", "count", len(owners))
	return nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
