package runloop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// Execution 单条 Stanza 的执行位置
type Execution int

const (
	// RunLoopLocal 在所属 RunLoop 的 goroutine 上串行执行（默认）
	RunLoopLocal Execution = iota
	// OffLoopPool 转交共享的有界工作池执行
	//
	// 转交的条目与同一 ID 之后仍在 RunLoop 上排队的条目之间不再保证顺序。
	OffLoopPool
)

// String 返回执行位置名称
func (e Execution) String() string {
	switch e {
	case RunLoopLocal:
		return "RunLoopLocal"
	case OffLoopPool:
		return "OffLoopPool"
	default:
		return "Unknown"
	}
}

// Handle 单个 ID 的处理状态（Actor）
//
// Handle 由 Component 的工厂按需创建，任一时刻只属于一个 RunLoop。
// Process 总是在同一个 goroutine 上串行调用（OffLoopPool 条目除外）。
type Handle interface {
	// Process 处理一条 Stanza
	// 需要应答时调用 ctx.Reply，可以在返回后从其他 goroutine 调用。
	// 返回的 error 会被记录并作为处理错误交给等待方，不影响 RunLoop。
	Process(ctx *Context, s *stanza.Stanza) error

	// Dispose 释放 Handle，在解绑、淘汰或销毁 RunLoop 时调用一次
	Dispose()
}

// HandleFunc 函数式 Handle，Dispose 为空操作
type HandleFunc func(ctx *Context, s *stanza.Stanza) error

// Process 实现 Handle
func (f HandleFunc) Process(ctx *Context, s *stanza.Stanza) error {
	return f(ctx, s)
}

// Dispose 实现 Handle
func (f HandleFunc) Dispose() {}

// Classifier 可选接口，Handle 实现后可为单条 Stanza 选择执行位置
type Classifier interface {
	Classify(s *stanza.Stanza) Execution
}

// Factory 为 ID 创建 Handle
type Factory func(id stanza.ID) (Handle, error)

// LoadFactorFunc 计算 RunLoop 的负载，新 ID 绑定到负载最低的 RunLoop
type LoadFactorFunc func(loop *RunLoop) float64

// LeastHandles 以存活 Handle 数作为负载
func LeastHandles(loop *RunLoop) float64 {
	return float64(loop.HandleCount())
}

// EvictionPolicy 淘汰策略
type EvictionPolicy interface {
	// ShouldEvict 判断空闲了 idle 的 Handle 是否应被淘汰
	ShouldEvict(id stanza.ID, idle time.Duration) bool
}

// IdleEviction 空闲超过 Timeout 即淘汰，Timeout <= 0 表示从不淘汰
type IdleEviction struct {
	Timeout time.Duration
}

// ShouldEvict 实现 EvictionPolicy
func (e IdleEviction) ShouldEvict(_ stanza.ID, idle time.Duration) bool {
	return e.Timeout > 0 && idle >= e.Timeout
}

// Component 一个消息领域的注册信息
//
// Manager 只持有 Factory 等函数值，不持有 Component 的实现本身。
// ID.Domain 与 Name 相同的地址由该 Component 处理。
type Component struct {
	// Name 组件名称，对应 stanza.ID.Domain
	Name string
	// Factory 创建 Handle，必填
	Factory Factory
	// Eviction 淘汰策略，nil 表示从不淘汰
	Eviction EvictionPolicy
	// LoadFactor 负载计算，nil 表示轮询分配
	LoadFactor LoadFactorFunc
}

func (c Component) validate() error {
	if c.Name == "" {
		return ErrComponentInvalid
	}
	if c.Factory == nil {
		return ErrComponentInvalid
	}
	return nil
}

// DoneFunc 条目完成回调，reply 与 err 至多一个非 nil
type DoneFunc func(reply *stanza.Stanza, err error)

// Context 单条 Stanza 的处理上下文
type Context struct {
	// Self 正在处理的 ID
	Self stanza.ID
	// Stanza 正在处理的消息
	Stanza *stanza.Stanza

	loop      *RunLoop
	ctx       context.Context
	done      DoneFunc
	completed atomic.Bool
}

func newContext(ctx context.Context, loop *RunLoop, id stanza.ID, s *stanza.Stanza, done DoneFunc) *Context {
	return &Context{Self: id, Stanza: s, loop: loop, ctx: ctx, done: done}
}

// Context 返回 RunLoop 的 context，RunLoop 停止时取消
func (c *Context) Context() context.Context {
	return c.ctx
}

// Loop 返回所属 RunLoop
func (c *Context) Loop() *RunLoop {
	return c.loop
}

// Reply 应答当前 Stanza
// 只有第一次应答生效，返回是否生效。
func (c *Context) Reply(reply *stanza.Stanza) bool {
	return c.complete(reply, nil)
}

// Replied reports whether the stanza has already been answered or failed.
func (c *Context) Replied() bool {
	return c.completed.Load()
}

func (c *Context) complete(reply *stanza.Stanza, err error) bool {
	if !c.completed.CompareAndSwap(false, true) {
		return false
	}
	if c.done != nil {
		c.done(reply, err)
	}
	return true
}
