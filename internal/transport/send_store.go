// =============================================================================
// 文件: internal/transport/send_store.go
// 描述: 发送存储 - 待发队列与在途索引
// =============================================================================
package transport

import (
	"sync"

	"github.com/mrcgq/311/internal/protocol"
)

// sendStore 发送存储
// pending 是尚未发出的包的先进先出队列，入队顺序即发送优先级；
// sent 是在途索引: 序列号 -> 已发出但未确认的包，为逐字节重传保留原包
//
// 锁顺序: 需要同时持有时，先 pendingMu 后 sentMu
type sendStore struct {
	pendingMu  sync.Mutex
	pending    []*protocol.Packet
	maxPending int // 0 表示不限制

	sentMu sync.RWMutex
	sent   map[protocol.SequenceNumber]*protocol.Packet
}

// newSendStore 创建发送存储
func newSendStore(maxPending int) *sendStore {
	return &sendStore{
		maxPending: maxPending,
		sent:       make(map[protocol.SequenceNumber]*protocol.Packet),
	}
}

// Enqueue 追加到待发队列尾部
func (s *sendStore) Enqueue(p *protocol.Packet) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.maxPending > 0 && len(s.pending) >= s.maxPending {
		return false
	}
	s.pending = append(s.pending, p)
	return true
}

// EnqueueAll 批量追加 (包列表整体入队，保持成员顺序)
func (s *sendStore) EnqueueAll(packets []*protocol.Packet) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if s.maxPending > 0 && len(s.pending)+len(packets) > s.maxPending {
		return false
	}
	s.pending = append(s.pending, packets...)
	return true
}

// NextPending 取出队首待发包，队列为空返回 nil
func (s *sendStore) NextPending() *protocol.Packet {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	p := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return p
}

// PendingCount 待发包数量
func (s *sendStore) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// RecordSent 登记在途包
// 必须在 socket 发送之前调用，避免刚分配的序列号在登记前被 ACK 清除
func (s *sendStore) RecordSent(seq protocol.SequenceNumber, p *protocol.Packet) {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	s.sent[seq] = p
}

// Sent 查找在途包，不存在返回 nil
func (s *sendStore) Sent(seq protocol.SequenceNumber) *protocol.Packet {
	s.sentMu.RLock()
	defer s.sentMu.RUnlock()
	return s.sent[seq]
}

// HasSent 序列号是否在途
func (s *sendStore) HasSent(seq protocol.SequenceNumber) bool {
	s.sentMu.RLock()
	defer s.sentMu.RUnlock()
	_, ok := s.sent[seq]
	return ok
}

// InFlightCount 在途包数量
func (s *sendStore) InFlightCount() int {
	s.sentMu.RLock()
	defer s.sentMu.RUnlock()
	return len(s.sent)
}

// AckTo 清除所有严格早于 ack 的在途包，返回清除的数量
func (s *sendStore) AckTo(ack protocol.SequenceNumber) int {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()

	purged := 0
	for seq := range s.sent {
		if protocol.SequenceLessThan(seq, ack) {
			delete(s.sent, seq)
			purged++
		}
	}
	return purged
}

// Release 丢弃全部待发和在途状态 (停止时调用)
func (s *sendStore) Release() (pending, inFlight int) {
	s.pendingMu.Lock()
	pending = len(s.pending)
	s.pending = nil
	s.pendingMu.Unlock()

	s.sentMu.Lock()
	inFlight = len(s.sent)
	s.sent = make(map[protocol.SequenceNumber]*protocol.Packet)
	s.sentMu.Unlock()

	return pending, inFlight
}
