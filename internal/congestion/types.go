// =============================================================================
// 文件: internal/congestion/types.go
// 描述: 拥塞控制类型定义
// =============================================================================
package congestion

import (
	"time"
)

// Controller 拥塞控制器接口
// 发送队列把 sent/retransmitted/ack/nak 事件喂给控制器，
// 控制器反过来给出发包间隔和流量窗口
type Controller interface {
	// 发送控制
	PacketSendPeriod() time.Duration
	FlowWindowSize() int

	// 事件回调
	OnPacketSent(seq uint32, wireSize int, isRetransmit bool)
	OnAck(ack uint32)
	OnNak(start, end uint32)

	// 统计
	GetStats() *Stats

	// 重置
	Reset()
}

// Stats 拥塞控制统计
type Stats struct {
	PacketSendPeriod time.Duration `json:"packet_send_period"`
	FlowWindowSize   int           `json:"flow_window_size"`
	PacketsObserved  uint64        `json:"packets_observed"`
	AcksObserved     uint64        `json:"acks_observed"`
	NaksObserved     uint64        `json:"naks_observed"`
	RateBytesPerSec  float64       `json:"rate_bytes_per_sec"`
}
