package cluster

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
)

// ============== 测试替身 ==============

type fakeRegistry struct {
	mu     sync.Mutex
	owners []string
	err    error
}

func (r *fakeRegistry) Owners(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.owners), r.err
}

func (r *fakeRegistry) set(owners []string, err error) {
	r.mu.Lock()
	r.owners, r.err = owners, err
	r.mu.Unlock()
}

type fakeMembership struct {
	mu      sync.Mutex
	self    Member
	members []Member
	err     error
}

func (m *fakeMembership) Self() Member { return m.self }

func (m *fakeMembership) Members(context.Context) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.members), m.err
}

func (m *fakeMembership) set(members []Member) {
	m.mu.Lock()
	m.members = members
	m.mu.Unlock()
}

// fakeProber 按成员 ID 返回预设结果；hang 中的成员一直阻塞到 ctx 结束
type fakeProber struct {
	capable map[string]bool
	failing map[string]bool
	hang    map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, m Member) (bool, error) {
	if p.hang[m.ID] {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if p.failing[m.ID] {
		return false, errors.New("connection refused")
	}
	return p.capable[m.ID], nil
}

type fakeHost struct {
	mu      sync.Mutex
	running map[string]bool
	starts  int
	stops   int
	stopErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{running: make(map[string]bool)}
}

func (h *fakeHost) Start(_ context.Context, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running[owner] = true
	h.starts++
	return nil
}

func (h *fakeHost) Stop(_ context.Context, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopErr != nil {
		return h.stopErr
	}
	delete(h.running, owner)
	h.stops++
	return nil
}

func (h *fakeHost) failStops(err error) {
	h.mu.Lock()
	h.stopErr = err
	h.mu.Unlock()
}

func (h *fakeHost) owners() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.running))
	for o := range h.running {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

func (h *fakeHost) calls() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops
}

func members(ids ...string) []Member {
	out := make([]Member, len(ids))
	for i, id := range ids {
		out[i] = Member{ID: id, Addr: id + ":8080"}
	}
	return out
}

func allCapable(ids ...string) *fakeProber {
	p := &fakeProber{capable: make(map[string]bool)}
	for _, id := range ids {
		p.capable[id] = true
	}
	return p
}

func newTestPartitioner(m Membership, p Prober, r Registry, h ListenerHost, opts ...Option) *Partitioner {
	base := []Option{WithLogger(slog.New(slog.DiscardHandler)), WithProbeTimeout(50 * time.Millisecond)}
	return New(m, p, r, h, append(base, opts...)...)
}

// ============== 测试用例 ==============

func TestRebalanceSoloNodeOwnsAll(t *testing.T) {
	reg := &fakeRegistry{owners: []string{"c", "a", "b", "a"}}
	host := newFakeHost()
	p := newTestPartitioner(&fakeMembership{self: Member{ID: "solo"}}, allCapable(), reg, host)

	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, a.Owners)
	assert.Equal(t, []string{"solo"}, a.Candidates)
	assert.Equal(t, 0, a.Ordinal)
	assert.Equal(t, []string{"a", "b", "c"}, a.Assigned)
	assert.Equal(t, []string{"a", "b", "c"}, host.owners())
	assert.Equal(t, []string{"a", "b", "c"}, p.Assigned())
}

func TestRebalanceSharesAcrossCandidates(t *testing.T) {
	all := owners(10)
	reg := &fakeRegistry{owners: all}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-a"}, members: members("node-a", "node-b", "node-c")}
	mt := metrics.MustNew(prometheus.NewRegistry())
	p := newTestPartitioner(ms, allCapable("node-b", "node-c"), reg, host, WithMetrics(mt))

	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	want := []string{all[0], all[3], all[6], all[9]}
	assert.Equal(t, []string{"node-a", "node-b", "node-c"}, a.Candidates)
	assert.Equal(t, want, a.Assigned)
	assert.Equal(t, want, a.Started)
	assert.Equal(t, want, host.owners())
	assert.Equal(t, float64(4), testutil.ToFloat64(mt.AssignedListeners))

	// 输入不变时重平衡是幂等的
	again, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, again.Assigned)
	assert.Empty(t, again.Started)
	assert.Empty(t, again.Stopped)
	starts, stops := host.calls()
	assert.Equal(t, 4, starts)
	assert.Equal(t, 0, stops)
}

func TestRebalanceProbeFailuresExcluded(t *testing.T) {
	all := owners(6)
	reg := &fakeRegistry{owners: all}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-b"}, members: members("node-a", "node-b", "node-c", "node-d")}
	prober := &fakeProber{
		capable: map[string]bool{"node-a": true, "node-d": false},
		failing: map[string]bool{"node-c": true},
	}
	mt := metrics.MustNew(prometheus.NewRegistry())
	p := newTestPartitioner(ms, prober, reg, host, WithMetrics(mt))

	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, a.Candidates)
	assert.Equal(t, 1, a.Ordinal)
	assert.Equal(t, []string{all[1], all[3], all[5]}, a.Assigned)
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.ProbeFailures))
}

func TestRebalanceProbeTimeoutExcluded(t *testing.T) {
	reg := &fakeRegistry{owners: owners(4)}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-a"}, members: members("node-a", "node-b")}
	prober := &fakeProber{hang: map[string]bool{"node-b": true}}
	p := newTestPartitioner(ms, prober, reg, host, WithProbeTimeout(20*time.Millisecond))

	start := time.Now()
	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"node-a"}, a.Candidates)
	assert.Equal(t, owners(4), a.Assigned)
}

func TestRebalanceAppliesDiff(t *testing.T) {
	all := owners(4)
	reg := &fakeRegistry{owners: all}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-a"}}
	p := newTestPartitioner(ms, allCapable("node-b"), reg, host)

	_, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, all, host.owners())

	// node-b 加入，本节点让出一半
	ms.set(members("node-a", "node-b"))
	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{all[0], all[2]}, a.Assigned)
	assert.Equal(t, []string{all[1], all[3]}, a.Stopped)
	assert.Empty(t, a.Started)
	assert.Equal(t, []string{all[0], all[2]}, host.owners())

	// owner 集合清空，停止全部
	reg.set(nil, nil)
	a, err = p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, a.Assigned)
	assert.Empty(t, host.owners())
}

func TestRebalanceRetriesFailedStop(t *testing.T) {
	all := owners(2)
	reg := &fakeRegistry{owners: all}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-a"}}
	p := newTestPartitioner(ms, allCapable(), reg, host)

	_, err := p.Rebalance(context.Background())
	require.NoError(t, err)

	host.failStops(errors.New("listener busy"))
	reg.set(all[:1], nil)
	a, err := p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Empty(t, a.Stopped)
	assert.Equal(t, all, a.Assigned)
	assert.Equal(t, all, host.owners())

	// 恢复后下一轮完成停止
	host.failStops(nil)
	a, err = p.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, all[1:], a.Stopped)
	assert.Equal(t, all[:1], a.Assigned)
	assert.Equal(t, all[:1], host.owners())
}

func TestReleaseKeepsFailedStops(t *testing.T) {
	host := newFakeHost()
	p := newTestPartitioner(&fakeMembership{self: Member{ID: "node-a"}}, allCapable(), &fakeRegistry{owners: owners(2)}, host)

	_, err := p.Rebalance(context.Background())
	require.NoError(t, err)

	host.failStops(errors.New("listener busy"))
	p.Release(context.Background())
	assert.Equal(t, owners(2), p.Assigned())

	host.failStops(nil)
	p.Release(context.Background())
	assert.Empty(t, p.Assigned())
	assert.Empty(t, host.owners())
}

func TestRebalanceErrorKeepsPriorAssignment(t *testing.T) {
	reg := &fakeRegistry{owners: owners(2)}
	host := newFakeHost()
	ms := &fakeMembership{self: Member{ID: "node-a"}}
	p := newTestPartitioner(ms, allCapable(), reg, host)

	_, err := p.Rebalance(context.Background())
	require.NoError(t, err)

	boom := errors.New("redis down")
	reg.set(nil, boom)
	a, err := p.Rebalance(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, owners(2), a.Assigned)
	assert.Equal(t, owners(2), host.owners())

	ms.err = errors.New("membership unavailable")
	reg.set(owners(2), nil)
	_, err = p.Rebalance(context.Background())
	assert.Error(t, err)
	assert.Equal(t, owners(2), p.Assigned())
}

func TestRebalanceNoSelf(t *testing.T) {
	p := newTestPartitioner(&fakeMembership{}, allCapable(), &fakeRegistry{}, newFakeHost())
	_, err := p.Rebalance(context.Background())
	assert.ErrorIs(t, err, ErrNoSelf)
}

func TestRunRebalancesOnTriggerAndReleases(t *testing.T) {
	reg := &fakeRegistry{owners: owners(1)}
	host := newFakeHost()
	p := newTestPartitioner(&fakeMembership{self: Member{ID: "node-a"}}, allCapable(), reg, host,
		WithRefreshInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	triggers := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, triggers) }()

	require.Eventually(t, func() bool { return len(host.owners()) == 1 }, time.Second, 5*time.Millisecond)

	reg.set(owners(3), nil)
	triggers <- struct{}{}
	require.Eventually(t, func() bool { return len(host.owners()) == 3 }, time.Second, 5*time.Millisecond)

	reg.set(owners(2), nil)
	p.Trigger()
	require.Eventually(t, func() bool { return len(host.owners()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, host.owners())
	assert.Empty(t, p.Assigned())
}

func TestStaticMembership(t *testing.T) {
	self := Member{ID: "a", Addr: "a:1"}
	m := NewStaticMembership(self, Member{ID: "b", Addr: "b:1"})

	assert.Equal(t, self, m.Self())
	got, err := m.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Member{self, {ID: "b", Addr: "b:1"}}, got)
}

func TestStaticRegistry(t *testing.T) {
	reg := StaticRegistry{"b", "a"}
	got, err := reg.Owners(context.Background())
	require.NoError(t, err)
	got[0] = "z"
	assert.Equal(t, StaticRegistry{"b", "a"}, reg)
}
