// Package runloop 提供按 ID 串行执行的 RunLoop 与其管理器
//
// 每个 [RunLoop] 是一个 goroutine 加一个无界 FIFO 邮箱。
// 发往同一 [stanza.ID] 的 Stanza 总在同一个 RunLoop 上按入队顺序处理，
// 因此 [Handle] 的状态无需加锁。
//
// # 核心组件
//
// [Manager] 管理各组件的 RunLoop 集群与 ID 绑定：
//
//	m := runloop.NewManager(runloop.WithLogger(logger))
//	defer m.Close(context.Background())
//
//	_ = m.CreateRunLoops(&runloop.Component{
//		Name:    "chat",
//		Factory: newRoomHandle,
//	}, 4)
//
//	loop, _ := m.GetRunLoopForID(stanza.NewID("chat", "room-1", ""), true)
//	_ = loop.Submit(id, s, nil)
//
// [Component] 只向 Manager 暴露工厂函数、可选的淘汰策略 [EvictionPolicy]
// 与负载函数 [LoadFactorFunc]。未设置负载函数时新 ID 轮询分配。
//
// # 执行位置
//
// Handle 可实现 [Classifier] 为单条 Stanza 选择 [OffLoopPool]，
// 该条目转交所有 RunLoop 共享的有界工作池执行，
// 与同一 ID 后续条目之间不再保证顺序。
//
// # 故障隔离
//
// Handle 返回错误或 panic 只影响当前条目：错误被记录并交给等待方，
// RunLoop 继续处理后续条目。
//
// 完整使用示例请参考 example_test.go。
package runloop
