// =============================================================================
// 文件: internal/transport/types.go
// 描述: 发送队列统一类型定义
// =============================================================================
package transport

import (
	"fmt"
	"time"

	"github.com/mrcgq/311/internal/protocol"
)

// 默认参数
const (
	DefaultFlowWindowSize    = 16
	DefaultPacketSendPeriod  = 1 * time.Millisecond
	DefaultInactivityTimeout = 5 * time.Second
	DefaultMaxPending        = 0 // 不限制

	// 空闲时没有 pacing 间隔可依据，用这个上限兜底唤醒
	maxIdleWait = 100 * time.Millisecond
)

// 错误定义
var (
	ErrQueueStopped = fmt.Errorf("发送队列已停止")
	ErrPendingFull  = fmt.Errorf("待发队列已满")
	ErrEmptyList    = fmt.Errorf("包列表为空")
)

// QueueState 发送队列状态
type QueueState int32

const (
	QueueStateIdle QueueState = iota
	QueueStateRunning
	QueueStateStopped
)

func (s QueueState) String() string {
	switch s {
	case QueueStateIdle:
		return "IDLE"
	case QueueStateRunning:
		return "RUNNING"
	case QueueStateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// QueueConfig 发送队列配置
type QueueConfig struct {
	// 初始流量窗口 (在途包上限)，之后由拥塞控制调整
	FlowWindowSize int

	// 初始发包间隔，之后由拥塞控制调整
	PacketSendPeriod time.Duration

	// 窗口持续满载超过该时长则上报不活跃
	InactivityTimeout time.Duration

	// 待发队列上限，0 表示不限制
	MaxPending int

	// 序列号计数起点 (已用过的最后一个序列号)，通常保持 0
	InitialSequenceNumber protocol.SequenceNumber
}

// DefaultQueueConfig 默认配置
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		FlowWindowSize:    DefaultFlowWindowSize,
		PacketSendPeriod:  DefaultPacketSendPeriod,
		InactivityTimeout: DefaultInactivityTimeout,
		MaxPending:        DefaultMaxPending,
	}
}

// QueueStats 发送队列统计
type QueueStats struct {
	PacketsSent          uint64
	PacketsRetransmitted uint64
	BytesSent            uint64
	PayloadBytesSent     uint64
	SendErrors           uint64
	AcksReceived         uint64
	StaleAcks            uint64
	NaksReceived         uint64
	StaleNaks            uint64
	InactiveEvents       uint64

	PendingCount  int
	InFlightCount int
	LossListLen   int

	FlowWindowSize   int
	PacketSendPeriod time.Duration
	State            string
	Uptime           time.Duration
}

// QueueHandler 发送队列事件回调
// 回调在发送循环或 ACK/NAK 处理路径上同步触发，每个传输事件恰好一次，
// 且在对应状态变更之后；实现不应在回调内阻塞或调用 Stop
type QueueHandler interface {
	// OnPacketSent 新包成功发出后调用
	OnPacketSent(dataSize, payloadSize int)

	// OnPacketRetransmitted 重传成功发出后调用
	OnPacketRetransmitted()

	// OnQueueInactive 窗口满载超时，每次满载期间只触发一次
	// 连接是否拆除由持有方决定
	OnQueueInactive()

	// OnSendError 单次 socket 发送失败，循环继续
	OnSendError(err error)
}

// NopHandler 空实现，方便只关心部分事件的持有方嵌入
type NopHandler struct{}

func (NopHandler) OnPacketSent(dataSize, payloadSize int) {}
func (NopHandler) OnPacketRetransmitted()                 {}
func (NopHandler) OnQueueInactive()                       {}
func (NopHandler) OnSendError(err error)                  {}
