// Package dispatch 是入站 Stanza 进入路由核心的入口
//
// [Dispatcher] 先经 [gate.Gate] 恢复发送顺序，再把 Stanza 放入接收者所属
// RunLoop 的邮箱。[Dispatcher.Send] 异步派发，应答交给出站 [Writer]；
// [Dispatcher.SendSynchronously] 在异步核心之上阻塞等待应答：
//
//	d := dispatch.New(manager, dispatch.WithWriter(w), dispatch.WithTimeout(5*time.Second))
//	reply, err := d.SendSynchronously(ctx, s, 0)
//	switch {
//	case errors.Is(err, dispatch.ErrNoResponse):
//		// 超时
//	case errors.As(err, &handlerErr):
//		// 接收者处理失败
//	}
//
// 编号 Stanza 的同步派发会立即向发送方写出 kind 为 "ack" 的确认，
// 让客户端推进序号而不必等待真正的应答。
package dispatch
