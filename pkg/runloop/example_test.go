package runloop_test

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/runloop"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// counter 每个房间一个计数器，状态只在所属 RunLoop 上访问
type counter struct {
	n int
}

func (c *counter) Process(ctx *runloop.Context, s *stanza.Stanza) error {
	c.n++
	ctx.Reply(s.Reply("count", c.n))
	return nil
}

func (c *counter) Dispose() {}

// Example_basic 演示组件注册、绑定与投递
func Example_basic() {
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	_ = m.CreateRunLoops(&runloop.Component{
		Name: "room",
		Factory: func(stanza.ID) (runloop.Handle, error) {
			return &counter{}, nil
		},
	}, 2)

	id := stanza.NewID("room", "lobby", "")
	loop, _ := m.GetRunLoopForID(id, true)

	from := stanza.NewID("client", "alice", "")
	for range 3 {
		done := make(chan *stanza.Stanza, 1)
		_ = loop.Submit(id, stanza.New(from, id, "hit", nil), func(reply *stanza.Stanza, err error) {
			done <- reply
		})
		fmt.Println((<-done).Payload)
	}

	fmt.Println("handles:", m.NumberOfHandlesInCluster("room"))

	// Output:
	// 1
	// 2
	// 3
	// handles: 1
}

// Example_handleFunc 演示函数式 Handle
func Example_handleFunc() {
	m := runloop.NewManager(runloop.WithLogger(slog.New(slog.DiscardHandler)))
	defer m.Close(context.Background())

	_ = m.CreateRunLoops(&runloop.Component{
		Name: "echo",
		Factory: func(id stanza.ID) (runloop.Handle, error) {
			return runloop.HandleFunc(func(ctx *runloop.Context, s *stanza.Stanza) error {
				ctx.Reply(s.Reply("echo", fmt.Sprintf("%s heard %v", ctx.Self, s.Payload)))
				return nil
			}), nil
		},
	}, 1)

	id := stanza.NewID("echo", "bot", "")
	loop, _ := m.GetRunLoopForID(id, true)

	done := make(chan *stanza.Stanza, 1)
	_ = loop.Submit(id, stanza.New(stanza.NewID("client", "bob", ""), id, "say", "hello"), func(reply *stanza.Stanza, _ error) {
		done <- reply
	})
	fmt.Println((<-done).Payload)

	// Output:
	// bot@echo heard hello
}
