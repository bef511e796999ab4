// =============================================================================
// 文件: internal/transport/send_queue_test.go
// 描述: 发送队列测试 - 重传优先、窗口记账、不活跃检测、停止语义
// =============================================================================
package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrcgq/311/internal/protocol"
)

// mockSocket 内存 socket，记录发出的每个数据报
type mockSocket struct {
	mu   sync.Mutex
	sent [][]byte

	failSends int32 // >0 时接下来的发送返回错误
}

func newMockSocket() *mockSocket {
	return &mockSocket{}
}

func (m *mockSocket) Send(dst net.Addr, data []byte) (int, error) {
	if atomic.LoadInt32(&m.failSends) > 0 {
		atomic.AddInt32(&m.failSends, -1)
		return 0, fmt.Errorf("模拟发送失败")
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.sent = append(m.sent, cp)
	m.mu.Unlock()
	return len(data), nil
}

func (m *mockSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	return 0, nil, fmt.Errorf("不支持读取")
}

func (m *mockSocket) LocalAddr() net.Addr { return &net.UDPAddr{} }
func (m *mockSocket) Close() error        { return nil }

func (m *mockSocket) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// sentSeqs 解码所有已发数据报的序列号
func (m *mockSocket) sentSeqs(t *testing.T) []protocol.SequenceNumber {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	seqs := make([]protocol.SequenceNumber, 0, len(m.sent))
	for _, data := range m.sent {
		p, err := protocol.DecodePacket(data)
		if err != nil {
			t.Fatalf("解码已发数据报失败: %v", err)
		}
		seqs = append(seqs, p.SequenceNumber())
	}
	return seqs
}

func (m *mockSocket) sentAt(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[i]
}

// recordHandler 事件计数器
type recordHandler struct {
	sent          uint64
	retransmitted uint64
	inactive      uint64
	sendErrors    uint64
}

func (h *recordHandler) OnPacketSent(dataSize, payloadSize int) { atomic.AddUint64(&h.sent, 1) }
func (h *recordHandler) OnPacketRetransmitted()                 { atomic.AddUint64(&h.retransmitted, 1) }
func (h *recordHandler) OnQueueInactive()                       { atomic.AddUint64(&h.inactive, 1) }
func (h *recordHandler) OnSendError(err error)                  { atomic.AddUint64(&h.sendErrors, 1) }

// waitFor 轮询等待条件成立
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", msg)
}

func testConfig() *QueueConfig {
	return &QueueConfig{
		FlowWindowSize:    32,
		PacketSendPeriod:  0, // 测试中不做 pacing
		InactivityTimeout: 80 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, cfg *QueueConfig) (*SendQueue, *mockSocket, *recordHandler) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	sock := newMockSocket()
	handler := &recordHandler{}
	q := NewSendQueue(sock, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}, cfg, nil, handler)
	t.Cleanup(q.Stop)
	return q, sock, handler
}

func queueN(t *testing.T, q *SendQueue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := q.QueuePacket(protocol.NewPacket([]byte(fmt.Sprintf("packet-%d", i)))); err != nil {
			t.Fatalf("入队失败: %v", err)
		}
	}
}

func TestSendAssignsSequentialNumbers(t *testing.T) {
	q, sock, handler := newTestQueue(t, nil)

	queueN(t, q, 4)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "4 个包发出")

	seqs := sock.sentSeqs(t)
	for i, seq := range seqs {
		if seq != protocol.SequenceNumber(i+1) {
			t.Errorf("序列号不连续: 第 %d 个包 seq=%d", i, seq)
		}
	}
	if q.CurrentSequenceNumber() != 4 {
		t.Errorf("当前序列号不正确: got %d, want 4", q.CurrentSequenceNumber())
	}
	if got := atomic.LoadUint64(&handler.sent); got != 4 {
		t.Errorf("OnPacketSent 次数不正确: got %d, want 4", got)
	}
}

func TestRetransmitPriorityOverNewData(t *testing.T) {
	q, sock, handler := newTestQueue(t, nil)

	queueN(t, q, 3)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 3 }, "3 个包发出")

	// 报告 1-3 全部丢失，然后立刻排入新数据
	q.NAK(1, 3)
	queueN(t, q, 1)

	waitFor(t, time.Second, func() bool { return sock.sentCount() == 7 }, "重传和新包发出")

	seqs := sock.sentSeqs(t)
	// 丢包重传优先: 第 4-6 次发送必须依次是 1,2,3，新包排在之后
	for i, want := range []protocol.SequenceNumber{1, 2, 3} {
		if seqs[3+i] != want {
			t.Errorf("第 %d 次发送应该是重传 %d: got %d", 4+i, want, seqs[3+i])
		}
	}
	if seqs[6] != 4 {
		t.Errorf("新包序列号不正确: got %d, want 4", seqs[6])
	}

	// 重传不消耗新序列号
	if q.CurrentSequenceNumber() != 4 {
		t.Errorf("重传消耗了序列号: current=%d", q.CurrentSequenceNumber())
	}
	if got := atomic.LoadUint64(&handler.retransmitted); got != 3 {
		t.Errorf("OnPacketRetransmitted 次数不正确: got %d, want 3", got)
	}
}

func TestRetransmitReusesExactBytes(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 2)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "2 个包发出")

	original := sock.sentAt(1) // seq=2

	q.NAK(2, 2)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 3 }, "重传发出")

	if !bytes.Equal(sock.sentAt(2), original) {
		t.Error("重传字节与首次发送不一致")
	}
}

func TestFlowWindowLimitsSending(t *testing.T) {
	cfg := testConfig()
	cfg.FlowWindowSize = 3
	q, sock, _ := newTestQueue(t, cfg)

	queueN(t, q, 5)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 3 }, "窗口内的 3 个包发出")

	// 窗口已满，剩余 2 个停在待发队列
	time.Sleep(30 * time.Millisecond)
	if got := sock.sentCount(); got != 3 {
		t.Fatalf("窗口满后仍在发送: sent=%d", got)
	}
	if got := q.PendingCount(); got != 2 {
		t.Errorf("待发数量不正确: got %d, want 2", got)
	}
	if got := q.InFlightCount(); got != 3 {
		t.Errorf("在途数量不正确: got %d, want 3", got)
	}

	// 确认第一个包，窗口腾出容量，第 4 个包发出
	q.Ack(2)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "第 4 个包发出")
	if got := q.InFlightCount(); got != 3 {
		t.Errorf("确认后在途数量不正确: got %d, want 3", got)
	}
}

func TestWindowAccounting(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 5)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 5 }, "5 个包发出")

	// 确认前 3 个 (ack=4 表示 1-3 已确认)，在途 = 5 - 3
	q.Ack(4)
	if got := q.InFlightCount(); got != 2 {
		t.Errorf("在途数量不正确: got %d, want 2", got)
	}
}

func TestAckMonotonicity(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 5)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 5 }, "5 个包发出")

	q.Ack(4)
	inFlight := q.InFlightCount()

	// 相等或更旧的 ACK 是无操作
	q.Ack(4)
	q.Ack(2)
	if got := q.InFlightCount(); got != inFlight {
		t.Errorf("旧 ACK 改变了在途状态: got %d, want %d", got, inFlight)
	}
	if got := q.GetStats().StaleAcks; got != 2 {
		t.Errorf("过期 ACK 计数不正确: got %d, want 2", got)
	}
}

func TestNakForUnknownSequenceIgnored(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 2)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "2 个包发出")

	// 从未发过的序列号，按过期控制消息忽略
	q.NAK(100, 105)
	time.Sleep(20 * time.Millisecond)

	if got := sock.sentCount(); got != 2 {
		t.Errorf("过期 NAK 触发了发送: sent=%d", got)
	}
	if got := q.GetStats().StaleNaks; got != 1 {
		t.Errorf("过期 NAK 计数不正确: got %d, want 1", got)
	}
}

func TestNakPartialOverlapInsertsOutstandingOnly(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 6)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 6 }, "6 个包发出")

	// 1-3 已确认后收到覆盖 2-5 的 NAK: 只有 4,5 还在途
	q.Ack(4)
	q.NAK(2, 5)

	waitFor(t, time.Second, func() bool { return sock.sentCount() == 8 }, "2 个重传发出")

	seqs := sock.sentSeqs(t)
	if seqs[6] != 4 || seqs[7] != 5 {
		t.Errorf("重传序列不正确: got %d,%d, want 4,5", seqs[6], seqs[7])
	}
}

func TestNakWideSpanBoundedByInFlight(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 2)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "2 个包发出")

	// 近半模数的超宽区间只扫描在途部分，处理时间与窗口同量级
	begin := time.Now()
	q.NAK(1, protocol.SequenceNumber(protocol.SequenceModulus/2-2))
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("超宽 NAK 处理过慢: %v", elapsed)
	}

	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "2 个重传发出")
	seqs := sock.sentSeqs(t)
	if seqs[2] != 1 || seqs[3] != 2 {
		t.Errorf("重传序列号不正确: %v", seqs[2:])
	}

	// 与在途区间无交集的超宽区间按过期 NAK 忽略
	q.NAK(10, 100000)
	time.Sleep(50 * time.Millisecond)
	if got := sock.sentCount(); got != 4 {
		t.Errorf("无交集 NAK 不应触发重传: sent=%d", got)
	}
	if got := q.GetStats().StaleNaks; got == 0 {
		t.Error("无交集 NAK 应计入过期计数")
	}
}

func TestOverrideNAKListReplacesWholesale(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	queueN(t, q, 6)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 6 }, "6 个包发出")

	ctrl := protocol.NewNAKListPacket([]protocol.SequenceRange{
		{Start: 2, End: 2},
		{Start: 5, End: 6},
	})
	decoded, err := protocol.DecodeControlPacket(ctrl.Encode())
	if err != nil {
		t.Fatalf("解码控制包失败: %v", err)
	}
	q.OverrideNAKListFromPacket(decoded)

	waitFor(t, time.Second, func() bool { return sock.sentCount() == 9 }, "3 个重传发出")

	seqs := sock.sentSeqs(t)
	want := []protocol.SequenceNumber{2, 5, 6}
	for i, w := range want {
		if seqs[6+i] != w {
			t.Errorf("重同步后重传顺序不正确: 第 %d 个 got %d, want %d", i, seqs[6+i], w)
		}
	}
}

func TestInactivityFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.FlowWindowSize = 2
	cfg.InactivityTimeout = 60 * time.Millisecond
	q, sock, handler := newTestQueue(t, cfg)

	queueN(t, q, 4)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "窗口内的 2 个包发出")

	// 没有 ACK，窗口持续满载，超时后恰好触发一次
	waitFor(t, time.Second, func() bool { return atomic.LoadUint64(&handler.inactive) == 1 }, "不活跃事件触发")

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadUint64(&handler.inactive); got != 1 {
		t.Errorf("不活跃事件应该只触发一次: got %d", got)
	}
	if got := sock.sentCount(); got != 2 {
		t.Errorf("不活跃后仍在发新包: sent=%d", got)
	}

	// ACK 腾出窗口后恢复发送
	q.Ack(3)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "恢复发送")
	if got := atomic.LoadUint64(&handler.inactive); got != 1 {
		t.Errorf("恢复后不活跃事件计数变化: got %d", got)
	}
}

func TestInactivityResetByWindowGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.FlowWindowSize = 2
	cfg.InactivityTimeout = 60 * time.Millisecond
	q, sock, handler := newTestQueue(t, cfg)

	queueN(t, q, 4)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "窗口内的 2 个包发出")
	waitFor(t, time.Second, func() bool { return atomic.LoadUint64(&handler.inactive) == 1 }, "不活跃事件触发")

	// 扩大窗口结束本次满载，无需 ACK 即恢复发送
	q.SetFlowWindowSize(4)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "扩窗后恢复发送")

	// 再次满载是新的 episode，超时后应重新触发
	waitFor(t, time.Second, func() bool { return atomic.LoadUint64(&handler.inactive) == 2 }, "第二次不活跃事件触发")
}

func TestSendErrorIsNotFatal(t *testing.T) {
	q, sock, handler := newTestQueue(t, nil)

	atomic.StoreInt32(&sock.failSends, 1)
	queueN(t, q, 2)

	// 第一个包发送失败，循环继续，第二个包照常发出
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 1 }, "后续包发出")
	if got := atomic.LoadUint64(&handler.sendErrors); got != 1 {
		t.Errorf("发送错误计数不正确: got %d, want 1", got)
	}

	// 失败的包仍在途，NAK 还能恢复它
	q.NAK(1, 1)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "失败包重传")

	seqs := sock.sentSeqs(t)
	if seqs[1] != 1 {
		t.Errorf("重传序列号不正确: got %d, want 1", seqs[1])
	}
}

func TestSequenceWrapAcrossSends(t *testing.T) {
	cfg := testConfig()
	cfg.InitialSequenceNumber = protocol.MaxSequenceNumber - 2
	q, sock, _ := newTestQueue(t, cfg)

	queueN(t, q, 5)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 5 }, "5 个包发出")

	want := []protocol.SequenceNumber{
		protocol.MaxSequenceNumber - 1,
		protocol.MaxSequenceNumber,
		0, 1, 2,
	}
	seqs := sock.sentSeqs(t)
	for i, w := range want {
		if seqs[i] != w {
			t.Errorf("回绕序列号不正确: 第 %d 个 got %d, want %d", i, seqs[i], w)
		}
	}

	// 跨回绕点的累积确认: 1 之前全部清除
	q.Ack(1)
	if got := q.InFlightCount(); got != 2 {
		t.Errorf("回绕确认后在途数量不正确: got %d, want 2", got)
	}
}

func TestPacketListSharesMessageNumber(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	list := protocol.NewPacketListFromPayloads([][]byte{
		[]byte("part-1"), []byte("part-2"), []byte("part-3"),
	})
	if err := q.QueuePacketList(list); err != nil {
		t.Fatalf("包列表入队失败: %v", err)
	}
	if err := q.QueuePacket(protocol.NewPacket([]byte("solo"))); err != nil {
		t.Fatalf("独立包入队失败: %v", err)
	}

	waitFor(t, time.Second, func() bool { return sock.sentCount() == 4 }, "4 个包发出")

	var msgs []protocol.MessageNumber
	for i := 0; i < 4; i++ {
		p, err := protocol.DecodePacket(sock.sentAt(i))
		if err != nil {
			t.Fatalf("解码失败: %v", err)
		}
		msgs = append(msgs, p.MessageNumber())
	}

	if msgs[0] != msgs[1] || msgs[1] != msgs[2] {
		t.Errorf("列表成员消息号不一致: %v", msgs[:3])
	}
	if msgs[3] == msgs[0] {
		t.Errorf("独立包不应该共享列表消息号: %v", msgs)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.FlowWindowSize = 2
	q, sock, _ := newTestQueue(t, cfg)

	queueN(t, q, 5)
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 2 }, "窗口内的包发出")

	q.Stop()

	if q.State() != QueueStateStopped {
		t.Errorf("状态不正确: got %s, want STOPPED", q.State())
	}
	if got := q.PendingCount(); got != 0 {
		t.Errorf("停止后仍有待发包: %d", got)
	}
	if got := q.InFlightCount(); got != 0 {
		t.Errorf("停止后仍有在途包: %d", got)
	}

	// 停止是终态
	if err := q.QueuePacket(protocol.NewPacket([]byte("late"))); err != ErrQueueStopped {
		t.Errorf("停止后入队应该报错: got %v", err)
	}

	// 重复停止安全
	q.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	sock := newMockSocket()
	q := NewSendQueue(sock, &net.UDPAddr{}, testConfig(), nil, nil)

	// 从未启动的队列停止必须立即返回
	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop 阻塞")
	}
}

func TestQueuePacketStartsLoop(t *testing.T) {
	q, sock, _ := newTestQueue(t, nil)

	if q.State() != QueueStateIdle {
		t.Fatalf("初始状态不正确: %s", q.State())
	}

	// 第一个包入队自动进入 Running
	queueN(t, q, 1)
	if q.State() != QueueStateRunning {
		t.Errorf("入队后状态不正确: %s", q.State())
	}
	waitFor(t, time.Second, func() bool { return sock.sentCount() == 1 }, "包发出")
}

func TestConcurrentProducers(t *testing.T) {
	cfg := testConfig()
	cfg.FlowWindowSize = 1024 // 无 ACK 场景，窗口放大到不受限
	q, sock, _ := newTestQueue(t, cfg)

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				q.QueuePacket(protocol.NewPacket([]byte(fmt.Sprintf("w%d-%d", id, j))))
			}
		}(i)
	}
	wg.Wait()

	total := workers * perWorker
	waitFor(t, 5*time.Second, func() bool { return sock.sentCount() == total }, "全部包发出")

	// 序列号严格按首发顺序分配，无重复无空洞
	seen := make(map[protocol.SequenceNumber]bool)
	for _, seq := range sock.sentSeqs(t) {
		if seen[seq] {
			t.Fatalf("序列号重复: %d", seq)
		}
		seen[seq] = true
	}
	for i := 1; i <= total; i++ {
		if !seen[protocol.SequenceNumber(i)] {
			t.Errorf("序列号缺失: %d", i)
		}
	}
}
