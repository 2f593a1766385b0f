package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/runloop"
	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

// LoopBinder 绑定与解绑 RunLoop，*runloop.Manager 实现此接口
type LoopBinder interface {
	GetRunLoopForID(id stanza.ID, createIfAbsent bool) (*runloop.RunLoop, bool)
	RemoveIDFromRunLoop(id stanza.ID)
}

// ComponentListenerHost 把监听器实现为某个组件的 Handle
//
// owner 的监听器是 ID{Domain: component, Owner: owner} 的 Handle：
// 绑定时由组件工厂创建并开始工作，解绑时被 Dispose。
//
// 组件工厂应通过 Started 拒绝未经 Start 的 owner，
// 否则发往该地址的 Stanza 会在分配之外懒创建监听器。
type ComponentListenerHost struct {
	binder    LoopBinder
	component string

	mu      sync.RWMutex
	started map[string]struct{}
}

var _ ListenerHost = (*ComponentListenerHost)(nil)

// NewComponentListenerHost 创建监听器宿主
func NewComponentListenerHost(binder LoopBinder, component string) *ComponentListenerHost {
	return &ComponentListenerHost{
		binder:    binder,
		component: component,
		started:   make(map[string]struct{}),
	}
}

// ListenerID 返回 owner 的监听器地址
func (h *ComponentListenerHost) ListenerID(owner string) stanza.ID {
	return stanza.ID{Domain: h.component, Owner: owner}
}

// Started 报告 owner 是否已由 Start 分配到本节点
func (h *ComponentListenerHost) Started(owner string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.started[owner]
	return ok
}

func (h *ComponentListenerHost) mark(owner string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if on {
		h.started[owner] = struct{}{}
	} else {
		delete(h.started, owner)
	}
}

// Start 实现 ListenerHost
//
// 先登记 owner 再绑定，工厂因此允许创建；
// 之前被拒绝而只剩空绑定的地址会先解绑再重建。
func (h *ComponentListenerHost) Start(_ context.Context, owner string) error {
	h.mark(owner, true)
	id := h.ListenerID(owner)

	loop, ok := h.binder.GetRunLoopForID(id, true)
	if ok && !loop.Has(id) {
		h.binder.RemoveIDFromRunLoop(id)
		loop, ok = h.binder.GetRunLoopForID(id, true)
	}
	if !ok {
		h.mark(owner, false)
		return fmt.Errorf("cluster: no run loop for listener %s", id)
	}
	if !loop.Has(id) {
		h.mark(owner, false)
		h.binder.RemoveIDFromRunLoop(id)
		return fmt.Errorf("cluster: listener %s did not start", id)
	}
	return nil
}

// Stop 实现 ListenerHost
func (h *ComponentListenerHost) Stop(_ context.Context, owner string) error {
	h.mark(owner, false)
	h.binder.RemoveIDFromRunLoop(h.ListenerID(owner))
	return nil
}
