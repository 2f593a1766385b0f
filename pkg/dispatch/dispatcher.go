package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/future"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/gate"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/metrics"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/runloop"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// DefaultTimeout 同步派发的默认等待时间
const DefaultTimeout = 5 * time.Second

// errAbandoned 调用方放弃等待后封存 Future，之后到达的应答即为迟到
var errAbandoned = errors.New("dispatch: caller stopped waiting")

// Router 为接收者解析 RunLoop，*runloop.Manager 实现此接口
type Router interface {
	GetRunLoopForID(id stanza.ID, createIfAbsent bool) (*runloop.RunLoop, bool)
}

// Writer 把出站 Stanza 交给传输层
type Writer interface {
	Write(ctx context.Context, s *stanza.Stanza) error
}

// WriterFunc 函数式 Writer
type WriterFunc func(ctx context.Context, s *stanza.Stanza) error

// Write 实现 Writer
func (f WriterFunc) Write(ctx context.Context, s *stanza.Stanza) error {
	return f(ctx, s)
}

// Dispatcher 把入站 Stanza 经排序后投递到接收者的 RunLoop
type Dispatcher struct {
	router   Router
	gate     *gate.Gate
	ownsGate bool
	writer   Writer
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option Dispatcher 配置选项
type Option func(*Dispatcher)

// WithGate 使用外部的 Gate，Close 不会关闭它
func WithGate(g *gate.Gate) Option {
	return func(d *Dispatcher) {
		d.gate = g
	}
}

// WithWriter 设置出站 Writer，未设置时应答与确认被丢弃
func WithWriter(w Writer) Option {
	return func(d *Dispatcher) {
		d.writer = w
	}
}

// WithTimeout 设置同步派发的默认等待时间
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger 设置日志器
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New 创建 Dispatcher
func New(router Router, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		router:  router,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.gate == nil {
		d.gate = gate.New(gate.WithLogger(d.logger), gate.WithMetrics(d.metrics))
		d.ownsGate = true
	}
	return d
}

// Gate 返回使用中的 Gate
func (d *Dispatcher) Gate() *gate.Gate {
	return d.gate
}

// Close 关闭自建的 Gate
func (d *Dispatcher) Close() {
	if d.ownsGate {
		d.gate.Close()
	}
}

// Send 异步派发
//
// 应答交给 Writer，处理错误只记录日志。接收者无法路由时返回 ErrNoRoute，
// 编号过期时返回 ErrStaleSequence。
func (d *Dispatcher) Send(s *stanza.Stanza) error {
	d.metrics.IncSent("async")
	d.trace(s, "send")

	return d.gated(s, func(reply *stanza.Stanza, err error) {
		if err != nil {
			d.logger.Warn("stanza handling failed", "to", s.To.String(), "kind", s.Kind, "stanza", s.ID, "error", err)
			return
		}
		if reply != nil {
			d.write(context.Background(), reply)
		}
	})
}

// SendSynchronously 派发并阻塞等待应答
//
// 编号的 Stanza 被放行或缓冲后向发送方写出一个确认。timeout <= 0 时使用默认值。
// 缓冲中的 Stanza 被 Gate 丢弃时立即返回 ErrNoRoute。
// 返回应答，或 *HandlerError、ErrNoResponse、ErrStaleSequence、ErrNoRoute、ctx 的错误。
// 超时之后到达的应答被记录并丢弃。
func (d *Dispatcher) SendSynchronously(ctx context.Context, s *stanza.Stanza, timeout time.Duration) (*stanza.Stanza, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	d.metrics.IncSent("sync")
	d.trace(s, "send-sync")

	f := future.New[*stanza.Stanza]()

	done := func(reply *stanza.Stanza, err error) {
		var settled bool
		switch {
		case err == nil:
			settled = f.Resolve(reply)
		case errors.Is(err, ErrNoRoute):
			settled = f.Fail(err)
		case errors.Is(err, runloop.ErrRunLoopStopped), errors.Is(err, gate.ErrDiscarded):
			settled = f.Fail(fmt.Errorf("%w: %s: %w", ErrNoRoute, s.To, err))
		default:
			settled = f.Fail(&HandlerError{Recipient: s.To, StanzaID: s.ID, Err: err})
		}
		if !settled {
			d.metrics.IncLateReply()
			d.logger.Warn("discarding late reply", "to", s.To.String(), "stanza", s.ID, "error", err)
		}
	}

	if err := d.gated(s, done); err != nil {
		return nil, err
	}
	if s.Sequenced() {
		d.write(ctx, stanza.NewAck(s))
	}

	reply, err := f.Wait(ctx, timeout)
	if err == nil {
		return reply, nil
	}
	if !errors.Is(err, future.ErrTimeout) && ctx.Err() == nil {
		return nil, err
	}

	// 放弃等待；若应答恰好同时到达，仍然采用它
	if !f.Fail(errAbandoned) {
		return f.Wait(ctx, 0)
	}
	if errors.Is(err, future.ErrTimeout) {
		d.metrics.IncTimeout()
		d.logger.Warn("synchronous send timed out", "to", s.To.String(), "stanza", s.ID, "timeout", timeout)
		return nil, fmt.Errorf("%w: %s did not answer within %s", ErrNoResponse, s.To, timeout)
	}
	return nil, err
}

// gated 经 Gate 放行后再解析接收者并放入其邮箱
//
// 被缓冲的 Stanza 稍后由补齐缺口的调用方或看门狗投递。投递失败的错误
// 若在返回前产生则直接返回，否则交给 done，二者只取其一。
func (d *Dispatcher) gated(s *stanza.Stanza, done runloop.DoneFunc) error {
	var out outcome
	res := d.gate.HandleWithDiscard(s, func(s *stanza.Stanza) {
		if err := d.deliver(s, done); err != nil {
			out.settle(err, done)
		}
	}, func(_ *stanza.Stanza, err error) {
		out.settle(err, done)
	})
	if res == gate.Dropped {
		return fmt.Errorf("%w: seq %d from %s to %s", ErrStaleSequence, s.Seq, s.From, s.To)
	}
	return out.returned()
}

// deliver 解析接收者的 RunLoop 并入队
func (d *Dispatcher) deliver(s *stanza.Stanza, done runloop.DoneFunc) error {
	loop, ok := d.router.GetRunLoopForID(s.To, true)
	if !ok {
		d.logger.Warn("no route for stanza", "to", s.To.String(), "kind", s.Kind, "stanza", s.ID)
		return fmt.Errorf("%w: %s", ErrNoRoute, s.To)
	}
	if err := loop.Submit(s.To, s, done); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNoRoute, s.To, err)
	}
	return nil
}

// outcome 在 gated 返回前后之间交接投递错误
type outcome struct {
	mu   sync.Mutex
	done bool
	err  error
}

// settle 返回前记录 err，返回后交给 done
func (o *outcome) settle(err error, done runloop.DoneFunc) {
	o.mu.Lock()
	if !o.done {
		o.err = err
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	done(nil, err)
}

func (o *outcome) returned() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
	return o.err
}

func (d *Dispatcher) write(ctx context.Context, s *stanza.Stanza) {
	if d.writer == nil {
		d.logger.Debug("no writer configured, dropping outbound stanza", "to", s.To.String(), "kind", s.Kind)
		return
	}
	if err := d.writer.Write(ctx, s); err != nil {
		d.logger.Warn("outbound write failed", "to", s.To.String(), "kind", s.Kind, "stanza", s.ID, "error", err)
	}
}

func (d *Dispatcher) trace(s *stanza.Stanza, stage string) {
	if s.Trace {
		d.logger.Info("stanza trace", "stage", stage, "from", s.From.String(), "to", s.To.String(), "seq", s.Seq, "stanza", s.ID)
	}
}
