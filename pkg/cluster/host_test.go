package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/runloop"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// listener 模拟永久监听器，创建即开始，Dispose 即停止
type listener struct {
	live *atomic.Int32
}

func (l *listener) Process(*runloop.Context, *stanza.Stanza) error { return nil }

func (l *listener) Dispose() { l.live.Add(-1) }

func TestComponentListenerHost(t *testing.T) {
	var live atomic.Int32
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	require.NoError(t, m.CreateRunLoops(&runloop.Component{
		Name: "inbox-listener",
		Factory: func(stanza.ID) (runloop.Handle, error) {
			live.Add(1)
			return &listener{live: &live}, nil
		},
	}, 2))

	host := NewComponentListenerHost(m, "inbox-listener")
	ctx := context.Background()

	require.NoError(t, host.Start(ctx, "alice"))
	require.NoError(t, host.Start(ctx, "bob"))
	require.NoError(t, host.Start(ctx, "alice"))
	assert.Equal(t, int32(2), live.Load())
	assert.Equal(t, 2, m.NumberOfHandlesInCluster("inbox-listener"))

	id := host.ListenerID("alice")
	assert.Equal(t, stanza.ID{Domain: "inbox-listener", Owner: "alice"}, id)
	_, ok := m.GetRunLoopForID(id, false)
	assert.True(t, ok)

	require.NoError(t, host.Stop(ctx, "alice"))
	_, ok = m.GetRunLoopForID(id, false)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return live.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestComponentListenerHostUnknownComponent(t *testing.T) {
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	err := NewComponentListenerHost(m, "missing").Start(context.Background(), "alice")
	assert.ErrorContains(t, err, "no run loop")
}

func TestComponentListenerHostRefusesUnstarted(t *testing.T) {
	var live atomic.Int32
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	host := NewComponentListenerHost(m, "inbox-listener")
	require.NoError(t, m.CreateRunLoops(&runloop.Component{
		Name: "inbox-listener",
		Factory: func(id stanza.ID) (runloop.Handle, error) {
			if !host.Started(id.Owner) {
				return nil, errors.New("not assigned")
			}
			live.Add(1)
			return &listener{live: &live}, nil
		},
	}, 2))
	ctx := context.Background()

	// 分配之外的地址只得到空绑定
	id := host.ListenerID("carol")
	loop, ok := m.GetRunLoopForID(id, true)
	require.True(t, ok)
	assert.False(t, loop.Has(id))
	assert.Equal(t, int32(0), live.Load())

	require.NoError(t, host.Start(ctx, "carol"))
	assert.True(t, host.Started("carol"))
	assert.Equal(t, int32(1), live.Load())
	loop, ok = m.GetRunLoopForID(id, false)
	require.True(t, ok)
	assert.True(t, loop.Has(id))

	require.NoError(t, host.Stop(ctx, "carol"))
	assert.False(t, host.Started("carol"))
	require.Eventually(t, func() bool { return live.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestComponentListenerHostFactoryFailure(t *testing.T) {
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	require.NoError(t, m.CreateRunLoops(&runloop.Component{
		Name: "inbox-listener",
		Factory: func(stanza.ID) (runloop.Handle, error) {
			return nil, errors.New("backend down")
		},
	}, 1))

	host := NewComponentListenerHost(m, "inbox-listener")
	err := host.Start(context.Background(), "alice")
	assert.ErrorContains(t, err, "did not start")
	assert.False(t, host.Started("alice"))
	_, ok := m.GetRunLoopForID(host.ListenerID("alice"), false)
	assert.False(t, ok)
}
