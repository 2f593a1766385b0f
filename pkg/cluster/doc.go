// Package cluster 把长期运行的每 owner 监听器无协调者地分摊到集群
//
// # 划分
//
// [Partitioner] 在每个节点上独立执行：从 [Registry] 取得 owner 集合并排序，
// 从 [Membership] 取得成员并通过 [Prober] 探测谁能承担永久监听器，
// 然后用 [Assign] 计算本节点的份额，经 [ListenerHost] 启停监听器。
// 探测失败的节点本轮被排除。没有其他成员时本节点承担全部。
//
//	p := cluster.New(membership, cluster.NewHTTPProber(nil), registry, host,
//		cluster.WithProbeTimeout(2*time.Second))
//	go p.Run(ctx, nil)
//
// # 实现
//
// [StaticMembership] 使用配置的固定成员，[RedisMembership] 基于 Redis 心跳。
// [RedisRegistry] 把 owner 存在 Redis 集合中。[HTTPProber] 请求对端的
// [CapabilitiesPath]，对端用 [CapabilityHandler] 提供该端点。
// [ComponentListenerHost] 把监听器实现为 runloop 组件的 Handle。
package cluster
