package cluster

import (
	"context"
	"errors"
)

// ErrNoSelf 成员信息中没有本节点的标识
var ErrNoSelf = errors.New("cluster: membership has no self identity")

// Member 集群中的一个节点
type Member struct {
	// ID 节点标识，所有节点按 ID 排序得到一致的序号
	ID string `json:"id"`
	// Addr 节点的 HTTP 地址，用于能力探测
	Addr string `json:"addr"`
}

// Membership 集群成员来源
type Membership interface {
	// Self 返回本节点
	Self() Member
	// Members 返回当前已知的成员，可以包含本节点
	Members(ctx context.Context) ([]Member, error)
}

// Prober 探测节点是否能承担永久监听器
type Prober interface {
	Probe(ctx context.Context, m Member) (bool, error)
}

// Registry 需要永久监听器的 owner 集合
type Registry interface {
	Owners(ctx context.Context) ([]string, error)
}

// ListenerHost 在本节点启动和停止某个 owner 的监听器
type ListenerHost interface {
	Start(ctx context.Context, owner string) error
	Stop(ctx context.Context, owner string) error
}

// Assignment 一轮重平衡的结果
type Assignment struct {
	// Owners 全局顺序的 owner 列表
	Owners []string
	// Candidates 本轮有资格承担监听器的节点（升序）
	Candidates []string
	// Ordinal 本节点在 Candidates 中的序号
	Ordinal int
	// Assigned 本节点承担的 owner
	Assigned []string
	// Started 本轮新启动的 owner
	Started []string
	// Stopped 本轮停止的 owner
	Stopped []string
}
