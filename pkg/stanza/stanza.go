package stanza

import (
	"time"

	"github.com/google/uuid"
)

// Unsequenced 表示未编号的 Stanza，不经过排序缓冲直接投递
const Unsequenced int64 = -1

// KindAck 收到确认的消息类型
const KindAck = "ack"

// TraceEntry 追踪日志条目
type TraceEntry struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Message string    `json:"message,omitempty"`
}

// Stanza 带地址的实时消息单元
//
// Stanza 在派发后不可修改：核心只读取它，需要回复时构造新的 Stanza。
// Seq 为同一 (From, To) 对内单调递增的序号，或为 Unsequenced。
type Stanza struct {
	// ID 消息唯一标识，用于追踪与确认
	ID string `json:"id"`
	// From 发送者地址
	From ID `json:"from"`
	// To 接收者地址
	To ID `json:"to"`
	// Seq 序号，Unsequenced 表示无需排序
	Seq int64 `json:"seq"`
	// Kind 消息类型，由具体 Component 解释
	Kind string `json:"kind"`
	// Payload 消息载荷
	Payload any `json:"payload,omitempty"`
	// Trace 为 true 时沿途记录追踪日志
	Trace bool `json:"trace,omitempty"`
	// TraceLog 上游附带的追踪条目
	TraceLog []TraceEntry `json:"trace_log,omitempty"`
}

// New 创建未编号的 Stanza
func New(from, to ID, kind string, payload any) *Stanza {
	return &Stanza{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Seq:     Unsequenced,
		Kind:    kind,
		Payload: payload,
	}
}

// NewSequenced 创建带序号的 Stanza
func NewSequenced(from, to ID, seq int64, kind string, payload any) *Stanza {
	s := New(from, to, kind, payload)
	s.Seq = seq
	return s
}

// Sequenced reports whether the stanza carries a sequence number.
func (s *Stanza) Sequenced() bool {
	return s.Seq >= 0
}

// Pair 返回 (From, To) 对，用于排序状态的索引
func (s *Stanza) Pair() Pair {
	return Pair{From: s.From, To: s.To}
}

// Reply 构造对该 Stanza 的回复，地址互换，回复本身不编号
func (s *Stanza) Reply(kind string, payload any) *Stanza {
	r := New(s.To, s.From, kind, payload)
	r.Trace = s.Trace
	return r
}

// WithTrace 返回追加了一条追踪记录的副本，原 Stanza 不变
func (s *Stanza) WithTrace(stage, message string) *Stanza {
	cp := *s
	cp.TraceLog = make([]TraceEntry, len(s.TraceLog), len(s.TraceLog)+1)
	copy(cp.TraceLog, s.TraceLog)
	cp.TraceLog = append(cp.TraceLog, TraceEntry{At: time.Now(), Stage: stage, Message: message})
	return &cp
}

// Pair (发送者, 接收者) 对
type Pair struct {
	From ID
	To   ID
}

// String 返回 "from -> to"
func (p Pair) String() string {
	return p.From.String() + " -> " + p.To.String()
}

// Ack 收到确认的载荷
type Ack struct {
	StanzaID string `json:"stanza_id"`
	Seq      int64  `json:"seq"`
}

// NewAck 为编号 Stanza 构造“已收到”确认
//
// 确认与最终回复无关，只让发送方的序号推进不必等待真正的应答。
func NewAck(s *Stanza) *Stanza {
	return s.Reply(KindAck, Ack{StanzaID: s.ID, Seq: s.Seq})
}
