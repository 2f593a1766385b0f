package runloop

import "errors"

var (
	// ErrInvalidLoopCount RunLoop 数量必须大于 0
	ErrInvalidLoopCount = errors.New("runloop: loop count must be > 0")
	// ErrComponentInvalid 组件缺少名称或工厂
	ErrComponentInvalid = errors.New("runloop: component requires a name and a factory")
	// ErrRunLoopStopped RunLoop 已停止
	ErrRunLoopStopped = errors.New("runloop: run loop stopped")
	// ErrManagerClosed Manager 已关闭
	ErrManagerClosed = errors.New("runloop: manager closed")
	// ErrHandlerPanic Handle 处理时 panic
	ErrHandlerPanic = errors.New("runloop: handler panic")
	// ErrNilHandle 工厂返回了 nil Handle
	ErrNilHandle = errors.New("runloop: factory returned nil handle")
)
