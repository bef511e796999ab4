// =============================================================================
// 文件: internal/transport/loss_list.go
// 描述: 丢包列表 - 待重传序列号的有序区间集合
// =============================================================================
package transport

import (
	"sync"

	"github.com/google/btree"

	"github.com/mrcgq/311/internal/protocol"
)

// LossList 丢包列表
// 保存 NAK 报告的序列号闭区间，区间互不重叠、互不相邻；
// 取包总是从最小的序列号开始，保持近似发送顺序
type LossList struct {
	ranges *btree.BTreeG[protocol.SequenceRange]
	length uint32 // 区间覆盖的序列号总数

	mu sync.Mutex
}

// NewLossList 创建丢包列表
func NewLossList() *LossList {
	return &LossList{
		ranges: btree.NewG(8, func(a, b protocol.SequenceRange) bool {
			return protocol.SequenceLessThan(a.Start, b.Start)
		}),
	}
}

// Insert 插入闭区间 [start, end]，与现有区间合并
// 重复插入已覆盖的区间是无操作
func (l *LossList) Insert(start, end protocol.SequenceNumber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range splitWrapped(start, end) {
		l.insertLocked(r)
	}
}

// InsertRange 插入单个区间
func (l *LossList) InsertRange(r protocol.SequenceRange) {
	l.Insert(r.Start, r.End)
}

// splitWrapped 跨模数回绕的区间拆成两段，保证每段数值上 Start <= End
func splitWrapped(start, end protocol.SequenceNumber) []protocol.SequenceRange {
	if uint32(start) > uint32(end) {
		return []protocol.SequenceRange{
			{Start: start, End: protocol.MaxSequenceNumber},
			{Start: 0, End: end},
		}
	}
	return []protocol.SequenceRange{{Start: start, End: end}}
}

func (l *LossList) insertLocked(r protocol.SequenceRange) {
	start, end := r.Start, r.End
	var absorbed []protocol.SequenceRange

	// 前驱区间: 只有紧邻 r.Start 的最后一个区间可能重叠或相邻
	// (Start 严格小于 r.Start，与下面的升序遍历互斥)
	l.ranges.DescendLessOrEqual(protocol.SequenceRange{Start: start}, func(item protocol.SequenceRange) bool {
		if !protocol.SequenceLessThan(item.Start, start) {
			return false
		}
		if item.End == protocol.MaxSequenceNumber || protocol.SequenceGreaterOrEqual(item.End.Next(), start) {
			absorbed = append(absorbed, item)
		}
		return false
	})

	// 后继区间: Start 落在 [r.Start, r.End+1] 内的全部并入
	l.ranges.AscendGreaterOrEqual(protocol.SequenceRange{Start: start}, func(item protocol.SequenceRange) bool {
		if end == protocol.MaxSequenceNumber || protocol.SequenceLessOrEqual(item.Start, end.Next()) {
			absorbed = append(absorbed, item)
			return true
		}
		return false
	})

	for _, item := range absorbed {
		l.ranges.Delete(item)
		l.length -= rangeLength(item)
		if protocol.SequenceLessThan(item.Start, start) {
			start = item.Start
		}
		if protocol.SequenceGreaterThan(item.End, end) {
			end = item.End
		}
	}

	merged := protocol.SequenceRange{Start: start, End: end}
	l.ranges.ReplaceOrInsert(merged)
	l.length += rangeLength(merged)
}

// Remove 移除闭区间 [start, end] 覆盖的所有序列号
// 移除不存在的序列号是无操作；部分重叠的区间会被切分
func (l *LossList) Remove(start, end protocol.SequenceNumber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range splitWrapped(start, end) {
		l.removeLocked(r)
	}
}

// RemoveOne 移除单个序列号
func (l *LossList) RemoveOne(seq protocol.SequenceNumber) {
	l.Remove(seq, seq)
}

func (l *LossList) removeLocked(r protocol.SequenceRange) {
	var hit []protocol.SequenceRange

	// 前驱可能从左侧覆盖进来 (Start 严格小于 r.Start，避免与下面的升序遍历重复)
	l.ranges.DescendLessOrEqual(protocol.SequenceRange{Start: r.Start}, func(item protocol.SequenceRange) bool {
		if protocol.SequenceLessThan(item.Start, r.Start) && protocol.SequenceGreaterOrEqual(item.End, r.Start) {
			hit = append(hit, item)
		}
		return false
	})
	l.ranges.AscendGreaterOrEqual(protocol.SequenceRange{Start: r.Start}, func(item protocol.SequenceRange) bool {
		if protocol.SequenceLessOrEqual(item.Start, r.End) {
			hit = append(hit, item)
			return true
		}
		return false
	})

	for _, item := range hit {
		l.ranges.Delete(item)
		l.length -= rangeLength(item)

		// 左残段
		if protocol.SequenceLessThan(item.Start, r.Start) {
			left := protocol.SequenceRange{Start: item.Start, End: r.Start.Prev()}
			l.ranges.ReplaceOrInsert(left)
			l.length += rangeLength(left)
		}
		// 右残段
		if protocol.SequenceGreaterThan(item.End, r.End) {
			right := protocol.SequenceRange{Start: r.End.Next(), End: item.End}
			l.ranges.ReplaceOrInsert(right)
			l.length += rangeLength(right)
		}
	}
}

// PopFirst 取出并移除最小的待重传序列号
func (l *LossList) PopFirst() (protocol.SequenceNumber, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.ranges.Min()
	if !ok {
		return 0, false
	}

	seq := item.Start
	l.ranges.Delete(item)
	l.length--
	if item.Start != item.End {
		l.ranges.ReplaceOrInsert(protocol.SequenceRange{Start: item.Start.Next(), End: item.End})
	}
	return seq, true
}

// PeekFirst 查看最小的待重传序列号
func (l *LossList) PeekFirst() (protocol.SequenceNumber, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	item, ok := l.ranges.Min()
	if !ok {
		return 0, false
	}
	return item.Start, true
}

// PruneBefore 移除所有严格早于 ack 的序列号 (累积确认推进时调用)
func (l *LossList) PruneBefore(ack protocol.SequenceNumber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stale, trim []protocol.SequenceRange
	l.ranges.Ascend(func(item protocol.SequenceRange) bool {
		if protocol.SequenceLessThan(item.End, ack) {
			stale = append(stale, item)
		} else if protocol.SequenceLessThan(item.Start, ack) {
			trim = append(trim, item)
		}
		return true
	})

	for _, item := range stale {
		l.ranges.Delete(item)
		l.length -= rangeLength(item)
	}
	for _, item := range trim {
		l.ranges.Delete(item)
		l.length -= rangeLength(item)
		kept := protocol.SequenceRange{Start: ack, End: item.End}
		l.ranges.ReplaceOrInsert(kept)
		l.length += rangeLength(kept)
	}
}

// Contains 序列号是否在列表中
func (l *LossList) Contains(seq protocol.SequenceNumber) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	l.ranges.DescendLessOrEqual(protocol.SequenceRange{Start: seq}, func(item protocol.SequenceRange) bool {
		found = protocol.SequenceGreaterOrEqual(item.End, seq)
		return false
	})
	return found
}

// Len 待重传的序列号总数
func (l *LossList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.length)
}

// IsEmpty 是否为空
func (l *LossList) IsEmpty() bool {
	return l.Len() == 0
}

// Ranges 当前区间快照 (按 Start 升序)
func (l *LossList) Ranges() []protocol.SequenceRange {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]protocol.SequenceRange, 0, l.ranges.Len())
	l.ranges.Ascend(func(item protocol.SequenceRange) bool {
		out = append(out, item)
		return true
	})
	return out
}

// Clear 清空列表 (NAK 列表全量重同步前调用)
func (l *LossList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ranges.Clear(false)
	l.length = 0
}

// rangeLength 闭区间覆盖的序列号数量
func rangeLength(r protocol.SequenceRange) uint32 {
	return protocol.SequenceDistance(r.Start, r.End) + 1
}
