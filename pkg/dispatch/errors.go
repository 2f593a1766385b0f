package dispatch

import (
	"errors"
	"fmt"

	"github.com/lwmacct/251215-go-pkg-stanza/pkg/stanza"
)

var (
	// ErrNoResponse 同步派发在超时前没有得到应答
	ErrNoResponse = errors.New("dispatch: no response")
	// ErrStaleSequence 编号过期或重复，Stanza 已被丢弃
	ErrStaleSequence = errors.New("dispatch: stale sequence")
	// ErrNoRoute 接收者没有可用的 RunLoop
	ErrNoRoute = errors.New("dispatch: no route to recipient")
)

// HandlerError 接收者的 Handle 处理失败
type HandlerError struct {
	Recipient stanza.ID
	StanzaID  string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: handler for %s failed on %s: %v", e.Recipient, e.StanzaID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
