// =============================================================================
// 文件: internal/transport/send_queue.go
// 描述: 发送队列 - 单循环调度器：重传优先、流量窗口、pacing、不活跃检测
// =============================================================================
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/311/internal/congestion"
	"github.com/mrcgq/311/internal/protocol"
)

// SendQueue 面向单个对端的可靠发送队列
//
// 一个实例一条专属发送循环；多个生产者并发入队，ACK/NAK 从任意
// 网络接收上下文并发进入。循环每个周期按固定顺序决策:
// 不活跃检查 -> 重传 -> 新包 -> 挂起，周期间隔由 pacing 决定。
//
// 锁顺序: naks -> store(sentMu) -> windowMu，反向获取会死锁
type SendQueue struct {
	socket      Socket
	destination net.Addr
	handler     QueueHandler
	cc          congestion.Controller // 可为 nil，此时只用 setter 注入的参数

	config *QueueConfig

	store *sendStore
	naks  *LossList

	seqGen *protocol.SequenceGenerator
	msgGen *protocol.MessageGenerator

	// 最后确认的序列号，其之前的序列号全部视为已确认
	lastACK uint32

	// 拥塞控制注入的参数
	packetSendPeriod int64 // 纳秒
	flowWindowSize   int32

	// 状态机 Idle -> Running -> Stopped
	state int32

	// 不活跃检测
	windowMu            sync.Mutex
	flowWindowWasFull   bool
	flowWindowFullSince time.Time
	inactiveReported    bool

	// 循环控制
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	startMu  sync.Mutex

	// 统计
	stats     QueueStats
	startTime time.Time
}

// NewSendQueue 创建发送队列
// cc 可以为 nil；此时发包间隔和窗口完全由 SetPacketSendPeriod /
// SetFlowWindowSize 注入
func NewSendQueue(socket Socket, destination net.Addr, config *QueueConfig, cc congestion.Controller, handler QueueHandler) *SendQueue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if handler == nil {
		handler = NopHandler{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	q := &SendQueue{
		socket:           socket,
		destination:      destination,
		handler:          handler,
		cc:               cc,
		config:           config,
		store:            newSendStore(config.MaxPending),
		naks:             NewLossList(),
		seqGen:           protocol.NewSequenceGenerator(config.InitialSequenceNumber),
		msgGen:           protocol.NewMessageGenerator(0),
		packetSendPeriod: int64(config.PacketSendPeriod),
		flowWindowSize:   int32(config.FlowWindowSize),
		lastACK:          uint32(config.InitialSequenceNumber),
		wake:             make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
		startTime:        time.Now(),
	}

	if cc != nil {
		q.refreshFromController()
	}
	return q
}

// Start 启动发送循环 (Idle -> Running)；重复调用是无操作
func (q *SendQueue) Start() {
	q.startMu.Lock()
	defer q.startMu.Unlock()

	if !atomic.CompareAndSwapInt32(&q.state, int32(QueueStateIdle), int32(QueueStateRunning)) {
		return
	}
	q.wg.Add(1)
	go q.run()
}

// Stop 停止队列 (终态)，丢弃全部待发和在途包并释放阻塞的生产者
// 任意线程任意时刻可调用；返回时循环已退出
func (q *SendQueue) Stop() {
	q.stopOnce.Do(func() {
		prev := atomic.SwapInt32(&q.state, int32(QueueStateStopped))
		q.cancel()
		q.wakeLoop()

		if prev == int32(QueueStateRunning) {
			q.wg.Wait()
		}

		q.store.Release()
		q.naks.Clear()
	})
}

// State 当前状态
func (q *SendQueue) State() QueueState {
	return QueueState(atomic.LoadInt32(&q.state))
}

// QueuePacket 追加单个包到待发队列，必要时启动并唤醒循环
func (q *SendQueue) QueuePacket(p *protocol.Packet) error {
	if q.State() == QueueStateStopped {
		return ErrQueueStopped
	}
	if !q.store.Enqueue(p) {
		return ErrPendingFull
	}

	q.Start()
	q.wakeLoop()
	return nil
}

// QueuePacketList 追加包列表，所有成员共享一个新消息号
func (q *SendQueue) QueuePacketList(list *protocol.PacketList) error {
	if q.State() == QueueStateStopped {
		return ErrQueueStopped
	}
	if list.Len() == 0 {
		return ErrEmptyList
	}

	list.AssignMessageNumber(q.msgGen.Next())
	if !q.store.EnqueueAll(list.Packets()) {
		return ErrPendingFull
	}

	q.Start()
	q.wakeLoop()
	return nil
}

// Ack 处理累积确认
// ack 不比当前指针新则是无操作；否则清除其之前的在途包和丢包记录
func (q *SendQueue) Ack(ack protocol.SequenceNumber) {
	for {
		cur := atomic.LoadUint32(&q.lastACK)
		if !protocol.SequenceGreaterThan(ack, protocol.SequenceNumber(cur)) {
			atomic.AddUint64(&q.stats.StaleAcks, 1)
			return
		}
		if atomic.CompareAndSwapUint32(&q.lastACK, cur, uint32(ack)) {
			break
		}
	}

	atomic.AddUint64(&q.stats.AcksReceived, 1)

	q.naks.PruneBefore(ack)
	q.store.AckTo(ack)

	if q.cc != nil {
		q.cc.OnAck(uint32(ack))
		q.refreshFromController()
	}

	// 窗口腾出容量后清除满载计时
	if q.store.InFlightCount() < q.FlowWindowSize() {
		q.windowMu.Lock()
		q.flowWindowWasFull = false
		q.inactiveReported = false
		q.windowMu.Unlock()
	}

	q.wakeLoop()
}

// NAK 处理丢包报告，把 [start, end] 中仍在途的子区间加入丢包列表
// 已确认或已清除的序列号被静默忽略 (视为过期控制消息)
func (q *SendQueue) NAK(start, end protocol.SequenceNumber) {
	atomic.AddUint64(&q.stats.NaksReceived, 1)

	inserted := q.insertOutstanding(start, end)
	if !inserted {
		atomic.AddUint64(&q.stats.StaleNaks, 1)
		return
	}

	if q.cc != nil {
		q.cc.OnNak(uint32(start), uint32(end))
		q.refreshFromController()
	}

	q.wakeLoop()
}

// insertOutstanding 把区间内仍在途的序列号逐段插入丢包列表
func (q *SendQueue) insertOutstanding(start, end protocol.SequenceNumber) bool {
	span := protocol.SequenceDistance(start, end)
	if span >= protocol.SequenceModulus/2 {
		return false // 区间方向错误，按畸形控制包忽略
	}

	// 扫描收窄到在途区间 [lastACK, currentSeq]，开销只随窗口增长；
	// 对端可控的超宽区间不会拖住控制上下文
	floor := protocol.SequenceNumber(atomic.LoadUint32(&q.lastACK))
	ceiling := q.seqGen.Current()
	if protocol.SequenceLessThan(start, floor) {
		start = floor
	}
	if protocol.SequenceGreaterThan(end, ceiling) {
		end = ceiling
	}
	if protocol.SequenceGreaterThan(start, end) {
		return false // 与在途区间无交集
	}
	span = protocol.SequenceDistance(start, end)

	inserted := false
	var runStart protocol.SequenceNumber
	inRun := false

	seq := start
	for i := uint32(0); i <= span; i++ {
		if q.store.HasSent(seq) {
			if !inRun {
				runStart = seq
				inRun = true
			}
		} else if inRun {
			q.naks.Insert(runStart, seq.Prev())
			inserted = true
			inRun = false
		}
		seq = seq.Next()
	}
	if inRun {
		q.naks.Insert(runStart, end)
		inserted = true
	}
	return inserted
}

// OverrideNAKList 用控制包携带的区间整体替换丢包列表 (周期性全量重同步)
func (q *SendQueue) OverrideNAKList(ranges []protocol.SequenceRange) {
	q.naks.Clear()
	for _, r := range ranges {
		q.insertOutstanding(r.Start, r.End)
	}
	q.wakeLoop()
}

// OverrideNAKListFromPacket 从 NAK 列表控制包重同步
func (q *SendQueue) OverrideNAKListFromPacket(p *protocol.ControlPacket) {
	if p.Type != protocol.ControlNAKList {
		return
	}
	q.OverrideNAKList(p.Ranges)
}

// HandleControlPacket 分发对端控制帧，持有方的读循环直接调用
func (q *SendQueue) HandleControlPacket(p *protocol.ControlPacket) {
	switch p.Type {
	case protocol.ControlACK:
		q.Ack(p.Ack)
	case protocol.ControlNAK:
		if len(p.Ranges) == 1 {
			q.NAK(p.Ranges[0].Start, p.Ranges[0].End)
		}
	case protocol.ControlNAKList:
		q.OverrideNAKListFromPacket(p)
	}
}

// CurrentSequenceNumber 最后发出的序列号
func (q *SendQueue) CurrentSequenceNumber() protocol.SequenceNumber {
	return q.seqGen.Current()
}

// SetFlowWindowSize 注入流量窗口 (拥塞控制调用)
func (q *SendQueue) SetFlowWindowSize(n int) {
	atomic.StoreInt32(&q.flowWindowSize, int32(n))
	q.wakeLoop()
}

// FlowWindowSize 当前流量窗口
func (q *SendQueue) FlowWindowSize() int {
	return int(atomic.LoadInt32(&q.flowWindowSize))
}

// SetPacketSendPeriod 注入发包间隔 (拥塞控制调用)
func (q *SendQueue) SetPacketSendPeriod(d time.Duration) {
	atomic.StoreInt64(&q.packetSendPeriod, int64(d))
}

// PacketSendPeriod 当前发包间隔
func (q *SendQueue) PacketSendPeriod() time.Duration {
	return time.Duration(atomic.LoadInt64(&q.packetSendPeriod))
}

// InFlightCount 在途包数量
func (q *SendQueue) InFlightCount() int {
	return q.store.InFlightCount()
}

// PendingCount 待发包数量
func (q *SendQueue) PendingCount() int {
	return q.store.PendingCount()
}

// GetStats 统计快照
func (q *SendQueue) GetStats() *QueueStats {
	return &QueueStats{
		PacketsSent:          atomic.LoadUint64(&q.stats.PacketsSent),
		PacketsRetransmitted: atomic.LoadUint64(&q.stats.PacketsRetransmitted),
		BytesSent:            atomic.LoadUint64(&q.stats.BytesSent),
		PayloadBytesSent:     atomic.LoadUint64(&q.stats.PayloadBytesSent),
		SendErrors:           atomic.LoadUint64(&q.stats.SendErrors),
		AcksReceived:         atomic.LoadUint64(&q.stats.AcksReceived),
		StaleAcks:            atomic.LoadUint64(&q.stats.StaleAcks),
		NaksReceived:         atomic.LoadUint64(&q.stats.NaksReceived),
		StaleNaks:            atomic.LoadUint64(&q.stats.StaleNaks),
		InactiveEvents:       atomic.LoadUint64(&q.stats.InactiveEvents),
		PendingCount:         q.store.PendingCount(),
		InFlightCount:        q.store.InFlightCount(),
		LossListLen:          q.naks.Len(),
		FlowWindowSize:       q.FlowWindowSize(),
		PacketSendPeriod:     q.PacketSendPeriod(),
		State:                q.State().String(),
		Uptime:               time.Since(q.startTime),
	}
}

// refreshFromController 从拥塞控制器拉取最新参数
func (q *SendQueue) refreshFromController() {
	atomic.StoreInt64(&q.packetSendPeriod, int64(q.cc.PacketSendPeriod()))
	atomic.StoreInt32(&q.flowWindowSize, int32(q.cc.FlowWindowSize()))
}

// wakeLoop 唤醒挂起的循环，channel 容量为 1，重复唤醒合并
func (q *SendQueue) wakeLoop() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run 发送循环
func (q *SendQueue) run() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		cycleStart := time.Now()

		// 1. 不活跃检查: 窗口满载超时则上报一次并挂起
		if q.checkInactive(cycleStart) {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}

		// 2. 重传优先于新数据
		attempted := q.maybeResendPacket()

		// 3. 窗口允许时发新包
		if !attempted {
			attempted = q.maybeSendNewPacket()
		}

		// 4. 无事可做则挂起，等新数据 / ACK / NAK / 兜底定时
		if !attempted {
			q.suspend()
			continue
		}

		// 5. 周期间隔由 pacing 决定，与本轮结果无关
		q.paceSleep(cycleStart)
	}
}

// checkInactive 窗口满载检测，返回 true 表示应挂起
func (q *SendQueue) checkInactive(now time.Time) bool {
	windowFull := q.store.InFlightCount() >= q.FlowWindowSize()
	hasResend := !q.naks.IsEmpty()

	q.windowMu.Lock()

	if !windowFull || hasResend {
		// 满载结束即整个 episode 结束，下次满载重新计时
		q.flowWindowWasFull = false
		q.inactiveReported = false
		q.windowMu.Unlock()
		return false
	}

	if !q.flowWindowWasFull {
		q.flowWindowWasFull = true
		q.flowWindowFullSince = now
		q.windowMu.Unlock()
		return false
	}

	if q.inactiveReported {
		q.windowMu.Unlock()
		return true
	}

	if now.Sub(q.flowWindowFullSince) >= q.config.InactivityTimeout {
		q.inactiveReported = true
		q.windowMu.Unlock()
		atomic.AddUint64(&q.stats.InactiveEvents, 1)
		q.handler.OnQueueInactive()
		return true
	}

	q.windowMu.Unlock()
	return false
}

// maybeResendPacket 重传丢包列表中最小的在途序列号
// 返回是否尝试了发送
func (q *SendQueue) maybeResendPacket() bool {
	for {
		seq, ok := q.naks.PopFirst()
		if !ok {
			return false
		}

		// ACK 可能已抢先清除该包，跳过继续取下一个
		p := q.store.Sent(seq)
		if p == nil {
			continue
		}

		// 复用首次发送的原字节，不分配新序列号
		wire := p.Bytes()
		if _, err := q.socket.Send(q.destination, wire); err != nil {
			// 包留在在途索引里，后续 NAK 仍可恢复
			atomic.AddUint64(&q.stats.SendErrors, 1)
			q.handler.OnSendError(err)
			return true
		}

		atomic.AddUint64(&q.stats.PacketsRetransmitted, 1)
		atomic.AddUint64(&q.stats.BytesSent, uint64(len(wire)))

		if q.cc != nil {
			q.cc.OnPacketSent(uint32(seq), len(wire), true)
			q.refreshFromController()
		}
		q.handler.OnPacketRetransmitted()
		return true
	}
}

// maybeSendNewPacket 窗口允许时给新包分配序列号并发送
// 返回是否尝试了发送
func (q *SendQueue) maybeSendNewPacket() bool {
	if q.store.InFlightCount() >= q.FlowWindowSize() {
		return false
	}

	p := q.store.NextPending()
	if p == nil {
		return false
	}

	seq := q.seqGen.Next()
	p.AssignSequenceNumber(seq)
	if !p.IsPartOfMessage() {
		p.AssignMessageNumber(q.msgGen.Next())
	}

	// 先登记在途再发送，保证序列号可见前不会被 ACK 清除
	q.store.RecordSent(seq, p)

	wire := p.Bytes()
	n, err := q.socket.Send(q.destination, wire)
	if err != nil {
		// 不自动重新入队；对端发现空洞后会通过 NAK 恢复
		atomic.AddUint64(&q.stats.SendErrors, 1)
		q.handler.OnSendError(err)
		return true
	}

	atomic.AddUint64(&q.stats.PacketsSent, 1)
	atomic.AddUint64(&q.stats.BytesSent, uint64(n))
	atomic.AddUint64(&q.stats.PayloadBytesSent, uint64(p.PayloadSize()))

	if q.cc != nil {
		q.cc.OnPacketSent(uint32(seq), len(wire), false)
		q.refreshFromController()
	}
	q.handler.OnPacketSent(len(wire), p.PayloadSize())
	return true
}

// suspend 无事可做时挂起，等待唤醒或兜底超时
func (q *SendQueue) suspend() {
	wait := q.PacketSendPeriod()
	if wait <= 0 || wait > maxIdleWait {
		wait = maxIdleWait
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-q.ctx.Done():
	case <-q.wake:
	case <-timer.C:
	}
}

// paceSleep 补足本周期剩余的 pacing 间隔
func (q *SendQueue) paceSleep(cycleStart time.Time) {
	period := q.PacketSendPeriod()
	if period <= 0 {
		return
	}

	elapsed := time.Since(cycleStart)
	if elapsed >= period {
		return
	}

	timer := time.NewTimer(period - elapsed)
	defer timer.Stop()

	select {
	case <-q.ctx.Done():
	case <-timer.C:
	}
}
