// Package metrics 汇集路由核心的 Prometheus 指标
//
// [Metrics] 在调用方提供的 prometheus.Registerer 上注册，不使用全局注册表，
// 同一进程内可创建多个实例（测试、多租户）。nil *Metrics 的所有方法均为空操作。
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stanza"

// Metrics 路由核心指标
type Metrics struct {
	StanzasProcessed *prometheus.CounterVec
	HandlerErrors    *prometheus.CounterVec
	OffLoopItems     *prometheus.CounterVec
	Handles          *prometheus.GaugeVec
	RunLoops         *prometheus.GaugeVec
	ProcessLatency   *prometheus.HistogramVec

	GateBuffered        prometheus.Gauge
	GateStaleDropped    prometheus.Counter
	GateWatchdogFlushes prometheus.Counter

	DispatchSent      *prometheus.CounterVec
	DispatchTimeouts  prometheus.Counter
	DispatchLateReply prometheus.Counter

	Rebalances        *prometheus.CounterVec
	ProbeFailures     prometheus.Counter
	AssignedListeners prometheus.Gauge
}

// New 创建并注册所有指标
//
// 已注册过同名指标时复用已有的 collector（prometheus.AlreadyRegisteredError）。
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StanzasProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "processed_total",
			Help: "Stanzas processed by run loops.",
		}, []string{"component"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "handler_errors_total",
			Help: "Handler errors and recovered panics.",
		}, []string{"component"}),
		OffLoopItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "offloop_total",
			Help: "Work items delegated to the shared off-loop pool.",
		}, []string{"component"}),
		Handles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "handles",
			Help: "Live component handles.",
		}, []string{"component"}),
		RunLoops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "loops",
			Help: "Run loops per component.",
		}, []string{"component"}),
		ProcessLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "runloop", Name: "process_seconds",
			Help:    "Handler processing latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"component"}),
		GateBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "buffered",
			Help: "Stanzas held back waiting for a sequence gap.",
		}),
		GateStaleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "stale_dropped_total",
			Help: "Stale or duplicate sequenced stanzas dropped.",
		}),
		GateWatchdogFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "watchdog_flushes_total",
			Help: "Gaps given up on by the watchdog.",
		}),
		DispatchSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "sent_total",
			Help: "Stanzas accepted by the dispatcher.",
		}, []string{"mode"}),
		DispatchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "timeouts_total",
			Help: "Synchronous sends that got no response in time.",
		}),
		DispatchLateReply: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "late_replies_total",
			Help: "Replies discarded because the caller had already given up.",
		}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "rebalances_total",
			Help: "Listener rebalance rounds.",
		}, []string{"result"}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "probe_failures_total",
			Help: "Capability probes that failed or timed out.",
		}),
		AssignedListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "assigned_listeners",
			Help: "Permanent listeners assigned to this node.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.StanzasProcessed = register(reg, m.StanzasProcessed, &err)
	m.HandlerErrors = register(reg, m.HandlerErrors, &err)
	m.OffLoopItems = register(reg, m.OffLoopItems, &err)
	m.Handles = register(reg, m.Handles, &err)
	m.RunLoops = register(reg, m.RunLoops, &err)
	m.ProcessLatency = register(reg, m.ProcessLatency, &err)
	m.GateBuffered = register(reg, m.GateBuffered, &err)
	m.GateStaleDropped = register(reg, m.GateStaleDropped, &err)
	m.GateWatchdogFlushes = register(reg, m.GateWatchdogFlushes, &err)
	m.DispatchSent = register(reg, m.DispatchSent, &err)
	m.DispatchTimeouts = register(reg, m.DispatchTimeouts, &err)
	m.DispatchLateReply = register(reg, m.DispatchLateReply, &err)
	m.Rebalances = register(reg, m.Rebalances, &err)
	m.ProbeFailures = register(reg, m.ProbeFailures, &err)
	m.AssignedListeners = register(reg, m.AssignedListeners, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register 注册 collector；同名 collector 已存在时返回已有的那个
func register[T prometheus.Collector](reg prometheus.Registerer, c T, firstErr *error) T {
	if *firstErr != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		*firstErr = err
	}
	return c
}

// MustNew 同 New，注册失败时 panic
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// ═══════════════════════════════════════════════════════════════════════════
// nil 安全的记录方法
// ═══════════════════════════════════════════════════════════════════════════

// ObserveProcessed 记录一次处理完成
func (m *Metrics) ObserveProcessed(component string, d time.Duration) {
	if m == nil {
		return
	}
	m.StanzasProcessed.WithLabelValues(component).Inc()
	m.ProcessLatency.WithLabelValues(component).Observe(d.Seconds())
}

// IncHandlerError 记录一次处理失败
func (m *Metrics) IncHandlerError(component string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(component).Inc()
}

// IncOffLoop 记录一次转交共享池
func (m *Metrics) IncOffLoop(component string) {
	if m == nil {
		return
	}
	m.OffLoopItems.WithLabelValues(component).Inc()
}

// AddHandles 调整存活 handle 数
func (m *Metrics) AddHandles(component string, delta int) {
	if m == nil {
		return
	}
	m.Handles.WithLabelValues(component).Add(float64(delta))
}

// SetRunLoops 设置组件的 RunLoop 数
func (m *Metrics) SetRunLoops(component string, n int) {
	if m == nil {
		return
	}
	m.RunLoops.WithLabelValues(component).Set(float64(n))
}

// AddGateBuffered 调整排序缓冲中的 Stanza 数
func (m *Metrics) AddGateBuffered(delta int) {
	if m == nil {
		return
	}
	m.GateBuffered.Add(float64(delta))
}

// IncGateStale 记录一次过期序号丢弃
func (m *Metrics) IncGateStale() {
	if m == nil {
		return
	}
	m.GateStaleDropped.Inc()
}

// IncGateWatchdog 记录一次看门狗强制投递
func (m *Metrics) IncGateWatchdog() {
	if m == nil {
		return
	}
	m.GateWatchdogFlushes.Inc()
}

// IncSent 记录一次派发，mode 为 async 或 sync
func (m *Metrics) IncSent(mode string) {
	if m == nil {
		return
	}
	m.DispatchSent.WithLabelValues(mode).Inc()
}

// IncTimeout 记录一次同步派发超时
func (m *Metrics) IncTimeout() {
	if m == nil {
		return
	}
	m.DispatchTimeouts.Inc()
}

// IncLateReply 记录一次迟到的回复
func (m *Metrics) IncLateReply() {
	if m == nil {
		return
	}
	m.DispatchLateReply.Inc()
}

// IncRebalance 记录一轮重平衡，result 为 ok 或 error
func (m *Metrics) IncRebalance(result string) {
	if m == nil {
		return
	}
	m.Rebalances.WithLabelValues(result).Inc()
}

// IncProbeFailure 记录一次能力探测失败
func (m *Metrics) IncProbeFailure() {
	if m == nil {
		return
	}
	m.ProbeFailures.Inc()
}

// SetAssigned 设置本节点承担的永久监听器数
func (m *Metrics) SetAssigned(n int) {
	if m == nil {
		return
	}
	m.AssignedListeners.Set(float64(n))
}
