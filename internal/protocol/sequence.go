// =============================================================================
// 文件: internal/protocol/sequence.go
// 描述: 序列号与消息号 - 29 位回绕序列号的环形比较和原子生成器
// =============================================================================
package protocol

import (
	"sync/atomic"
)

// 序列号参数
const (
	// SequenceModulus 序列号模数 (29 位)
	SequenceModulus uint32 = 1 << 29

	// MaxSequenceNumber 最大序列号，之后回绕到 0
	MaxSequenceNumber SequenceNumber = SequenceNumber(SequenceModulus - 1)

	// sequenceHalfRange 环形比较的半程阈值
	sequenceHalfRange uint32 = SequenceModulus / 2

	// MessageModulus 消息号模数 (30 位)
	MessageModulus uint32 = 1 << 30
)

// SequenceNumber 包序列号
// 回绕后的比较依赖环形序: 若从 b 到 a 的前向距离小于半程，则 a 比 b 新
type SequenceNumber uint32

// Next 返回下一个序列号 (回绕到 0，不报错)
func (s SequenceNumber) Next() SequenceNumber {
	return SequenceNumber((uint32(s) + 1) % SequenceModulus)
}

// Prev 返回上一个序列号
func (s SequenceNumber) Prev() SequenceNumber {
	return SequenceNumber((uint32(s) + SequenceModulus - 1) % SequenceModulus)
}

// SequenceGreaterThan a 是否比 b 新
func SequenceGreaterThan(a, b SequenceNumber) bool {
	if a == b {
		return false
	}
	return forwardDistance(b, a) < sequenceHalfRange
}

// SequenceLessThan a 是否比 b 旧
func SequenceLessThan(a, b SequenceNumber) bool {
	return SequenceGreaterThan(b, a)
}

// SequenceGreaterOrEqual a 是否不旧于 b
func SequenceGreaterOrEqual(a, b SequenceNumber) bool {
	return a == b || SequenceGreaterThan(a, b)
}

// SequenceLessOrEqual a 是否不新于 b
func SequenceLessOrEqual(a, b SequenceNumber) bool {
	return a == b || SequenceLessThan(a, b)
}

// SequenceDistance 从 a 到 b 的前向距离 (考虑回绕)
func SequenceDistance(a, b SequenceNumber) uint32 {
	return forwardDistance(a, b)
}

// forwardDistance (b - a) mod 模数
func forwardDistance(a, b SequenceNumber) uint32 {
	return (uint32(b) + SequenceModulus - uint32(a)) % SequenceModulus
}

// MessageNumber 逻辑消息号，与序列号独立计数
// 一个包列表的所有包共享同一个消息号
type MessageNumber uint32

// SequenceGenerator 序列号生成器 (原子递增)
type SequenceGenerator struct {
	current uint32
}

// NewSequenceGenerator 创建生成器，initial 为已用过的最后一个序列号
func NewSequenceGenerator(initial SequenceNumber) *SequenceGenerator {
	return &SequenceGenerator{current: uint32(initial)}
}

// Next 原子递增并返回新序列号
func (g *SequenceGenerator) Next() SequenceNumber {
	for {
		cur := atomic.LoadUint32(&g.current)
		next := (cur + 1) % SequenceModulus
		if atomic.CompareAndSwapUint32(&g.current, cur, next) {
			return SequenceNumber(next)
		}
	}
}

// Current 最后发出的序列号
func (g *SequenceGenerator) Current() SequenceNumber {
	return SequenceNumber(atomic.LoadUint32(&g.current))
}

// MessageGenerator 消息号生成器
type MessageGenerator struct {
	current uint32
}

// NewMessageGenerator 创建消息号生成器
func NewMessageGenerator(initial MessageNumber) *MessageGenerator {
	return &MessageGenerator{current: uint32(initial)}
}

// Next 原子递增并返回新消息号
func (g *MessageGenerator) Next() MessageNumber {
	for {
		cur := atomic.LoadUint32(&g.current)
		next := (cur + 1) % MessageModulus
		if atomic.CompareAndSwapUint32(&g.current, cur, next) {
			return MessageNumber(next)
		}
	}
}

// Current 最后分配的消息号
func (g *MessageGenerator) Current() MessageNumber {
	return MessageNumber(atomic.LoadUint32(&g.current))
}
