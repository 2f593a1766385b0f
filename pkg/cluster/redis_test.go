package cluster

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRedisRegistry(newTestRedis(t), WithRegistryLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, r.Ping(ctx))

	owners, err := r.Owners(ctx)
	require.NoError(t, err)
	assert.Empty(t, owners)

	require.NoError(t, r.Add(ctx, "carol", "alice", "bob", "alice"))
	require.NoError(t, r.Add(ctx))

	owners, err = r.Owners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, owners)

	require.NoError(t, r.Remove(ctx, "bob"))
	owners, err = r.Owners(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, owners)
}

func TestRedisRegistryError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err := NewRedisRegistry(client).Owners(context.Background())
	assert.Error(t, err)
}

func TestRedisMembership(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	now := time.Now()
	clock := func() time.Time { return now }

	a := NewRedisMembership(client, Member{ID: "node-a", Addr: "10.0.0.1:8080"}, WithMemberTTL(10*time.Second))
	b := NewRedisMembership(client, Member{ID: "node-b", Addr: "10.0.0.2:8080"}, WithMemberTTL(10*time.Second))
	a.now, b.now = clock, clock

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))

	got, err := a.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Member{a.Self(), b.Self()}, got)

	// node-b 停止心跳后过期
	now = now.Add(8 * time.Second)
	require.NoError(t, a.Heartbeat(ctx))
	now = now.Add(5 * time.Second)

	got, err = a.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Member{a.Self()}, got)

	require.NoError(t, a.Leave(ctx))
	got, err = a.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisMembershipRunLeavesOnCancel(t *testing.T) {
	client := newTestRedis(t)
	m := NewRedisMembership(client, Member{ID: "node-a", Addr: "a:1"}, WithMembershipLogger(slog.New(slog.DiscardHandler)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		got, err := m.Members(context.Background())
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	got, err := m.Members(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPartitionerWithRedis(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)

	reg := NewRedisRegistry(client)
	require.NoError(t, reg.Add(ctx, owners(6)...))

	// 两个节点共享同一 Redis，探测全部成功
	hosts := map[string]*fakeHost{"node-a": newFakeHost(), "node-b": newFakeHost()}
	parts := make(map[string]*Partitioner)
	for id, host := range hosts {
		ms := NewRedisMembership(client, Member{ID: id, Addr: id + ":8080"})
		require.NoError(t, ms.Heartbeat(ctx))
		parts[id] = newTestPartitioner(ms, allCapable("node-a", "node-b"), reg, host)
	}

	for _, p := range parts {
		_, err := p.Rebalance(ctx)
		require.NoError(t, err)
	}

	all := owners(6)
	assert.Equal(t, []string{all[0], all[2], all[4]}, hosts["node-a"].owners())
	assert.Equal(t, []string{all[1], all[3], all[5]}, hosts["node-b"].owners())
}
