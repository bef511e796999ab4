// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 指标收集器 - 发送引擎运行状态的进程内统计
// =============================================================================
package metrics

import (
	"sync/atomic"
	"time"
)

// SendMetrics 指标收集器
type SendMetrics struct {
	// 传输统计
	packetsSent          uint64
	packetsRetransmitted uint64
	bytesSent            uint64
	payloadBytesSent     uint64
	sendErrors           uint64

	// 控制面统计
	acksProcessed  uint64
	naksProcessed  uint64
	inactiveEvents uint64

	// 启动时间
	startTime time.Time
}

// New 创建指标收集器
func New() *SendMetrics {
	return &SendMetrics{startTime: time.Now()}
}

// OnPacketSent 记录新包发送
func (m *SendMetrics) OnPacketSent(dataSize, payloadSize int) {
	atomic.AddUint64(&m.packetsSent, 1)
	atomic.AddUint64(&m.bytesSent, uint64(dataSize))
	atomic.AddUint64(&m.payloadBytesSent, uint64(payloadSize))
}

// OnPacketRetransmitted 记录重传
func (m *SendMetrics) OnPacketRetransmitted() {
	atomic.AddUint64(&m.packetsRetransmitted, 1)
}

// OnQueueInactive 记录不活跃事件
func (m *SendMetrics) OnQueueInactive() {
	atomic.AddUint64(&m.inactiveEvents, 1)
}

// OnSendError 记录发送失败
func (m *SendMetrics) OnSendError(err error) {
	atomic.AddUint64(&m.sendErrors, 1)
}

// IncAcks 记录处理的 ACK
func (m *SendMetrics) IncAcks() {
	atomic.AddUint64(&m.acksProcessed, 1)
}

// IncNaks 记录处理的 NAK
func (m *SendMetrics) IncNaks() {
	atomic.AddUint64(&m.naksProcessed, 1)
}

// GetPacketsSent 已发送包数
func (m *SendMetrics) GetPacketsSent() uint64 {
	return atomic.LoadUint64(&m.packetsSent)
}

// GetPacketsRetransmitted 重传包数
func (m *SendMetrics) GetPacketsRetransmitted() uint64 {
	return atomic.LoadUint64(&m.packetsRetransmitted)
}

// GetBytesSent 已发送字节数
func (m *SendMetrics) GetBytesSent() uint64 {
	return atomic.LoadUint64(&m.bytesSent)
}

// GetPayloadBytesSent 已发送负载字节数
func (m *SendMetrics) GetPayloadBytesSent() uint64 {
	return atomic.LoadUint64(&m.payloadBytesSent)
}

// GetSendErrors 发送失败次数
func (m *SendMetrics) GetSendErrors() uint64 {
	return atomic.LoadUint64(&m.sendErrors)
}

// GetAcksProcessed 已处理 ACK 数
func (m *SendMetrics) GetAcksProcessed() uint64 {
	return atomic.LoadUint64(&m.acksProcessed)
}

// GetNaksProcessed 已处理 NAK 数
func (m *SendMetrics) GetNaksProcessed() uint64 {
	return atomic.LoadUint64(&m.naksProcessed)
}

// GetInactiveEvents 不活跃事件数
func (m *SendMetrics) GetInactiveEvents() uint64 {
	return atomic.LoadUint64(&m.inactiveEvents)
}

// GetUptimeSeconds 运行时长 (秒)
func (m *SendMetrics) GetUptimeSeconds() float64 {
	return time.Since(m.startTime).Seconds()
}
