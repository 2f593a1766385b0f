// Package gate 恢复同一 (发送者, 接收者) 对内的 Stanza 序号顺序
//
// 客户端的并发或重试连接可能让编号 Stanza 乱序到达。[Gate] 为每个对
// 记录下一个期望序号（从 0 开始）：
//
//   - 未编号的 Stanza 立即放行
//   - 序号等于期望值时放行，并连续放行缓冲中随后的序号
//   - 序号超前时缓冲，并启动看门狗
//   - 序号过期或重复时丢弃并记录
//
// 看门狗到期仍未补齐缺口时，按升序放行所有缓冲的 Stanza，
// 期望序号跳到最后一个之后。
//
//	g := gate.New(gate.WithWatchdog(3 * time.Second))
//	defer g.Close()
//
//	g.Handle(s, func(s *stanza.Stanza) { _ = loop.Submit(s.To, s, nil) })
package gate
