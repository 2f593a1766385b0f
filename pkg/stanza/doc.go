// Package stanza 定义路由核心交换的数据类型
//
// [ID] 是不可变的复合地址（domain / owner / resource），可作为 map key。
// [Stanza] 是带地址、可选序号的消息单元；序号在同一 [Pair] 内单调递增，
// [Unsequenced] 表示无需排序。
//
// 核心从不修改已派发的 Stanza：回复用 [Stanza.Reply] 构造，
// 确认用 [NewAck] 构造，追踪记录用 [Stanza.WithTrace] 产生副本。
//
// 编解码（JSON/XML）不在本包范围内，字段上的 json tag 仅供外部序列化器使用。
package stanza
