// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// QueueStats 发送队列统计数据接口
type QueueStats interface {
	GetPacketsSent() uint64
	GetPacketsRetransmitted() uint64
	GetBytesSent() uint64
	GetPayloadBytesSent() uint64
	GetSendErrors() uint64
	GetAcksProcessed() uint64
	GetNaksProcessed() uint64
	GetInactiveEvents() uint64
	GetUptimeSeconds() float64
}

// QueueGauges 发送队列瞬时状态接口 (由队列本身提供)
type QueueGauges interface {
	PendingCount() int
	InFlightCount() int
	FlowWindowSize() int
}

// SendQueueCollector 发送队列指标收集器
type SendQueueCollector struct {
	stats  QueueStats
	gauges QueueGauges

	// 计数器描述符
	packetsSentDesc   *prometheus.Desc
	retransmittedDesc *prometheus.Desc
	bytesSentDesc     *prometheus.Desc
	payloadBytesDesc  *prometheus.Desc
	sendErrorsDesc    *prometheus.Desc
	acksDesc          *prometheus.Desc
	naksDesc          *prometheus.Desc
	inactiveDesc      *prometheus.Desc
	uptimeDesc        *prometheus.Desc

	// 瞬时状态描述符
	pendingDesc    *prometheus.Desc
	inFlightDesc   *prometheus.Desc
	flowWindowDesc *prometheus.Desc
}

// NewSendQueueCollector 创建收集器
func NewSendQueueCollector(stats QueueStats, gauges QueueGauges) *SendQueueCollector {
	return &SendQueueCollector{
		stats:  stats,
		gauges: gauges,

		packetsSentDesc: prometheus.NewDesc(
			"udtq_packets_sent_total",
			"新包成功发送总数",
			nil, nil,
		),
		retransmittedDesc: prometheus.NewDesc(
			"udtq_packets_retransmitted_total",
			"重传包总数",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			"udtq_bytes_sent_total",
			"发送字节总数 (含包头)",
			nil, nil,
		),
		payloadBytesDesc: prometheus.NewDesc(
			"udtq_payload_bytes_sent_total",
			"发送负载字节总数",
			nil, nil,
		),
		sendErrorsDesc: prometheus.NewDesc(
			"udtq_send_errors_total",
			"socket 发送失败总数",
			nil, nil,
		),
		acksDesc: prometheus.NewDesc(
			"udtq_acks_processed_total",
			"处理的 ACK 总数",
			nil, nil,
		),
		naksDesc: prometheus.NewDesc(
			"udtq_naks_processed_total",
			"处理的 NAK 总数",
			nil, nil,
		),
		inactiveDesc: prometheus.NewDesc(
			"udtq_queue_inactive_events_total",
			"不活跃事件总数",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"udtq_uptime_seconds",
			"发送引擎运行时长",
			nil, nil,
		),

		pendingDesc: prometheus.NewDesc(
			"udtq_pending_packets",
			"待发队列长度",
			nil, nil,
		),
		inFlightDesc: prometheus.NewDesc(
			"udtq_in_flight_packets",
			"在途 (已发未确认) 包数",
			nil, nil,
		),
		flowWindowDesc: prometheus.NewDesc(
			"udtq_flow_window_size",
			"当前流量窗口",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector
func (c *SendQueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSentDesc
	ch <- c.retransmittedDesc
	ch <- c.bytesSentDesc
	ch <- c.payloadBytesDesc
	ch <- c.sendErrorsDesc
	ch <- c.acksDesc
	ch <- c.naksDesc
	ch <- c.inactiveDesc
	ch <- c.uptimeDesc
	ch <- c.pendingDesc
	ch <- c.inFlightDesc
	ch <- c.flowWindowDesc
}

// Collect 实现 prometheus.Collector
func (c *SendQueueCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.packetsSentDesc,
		prometheus.CounterValue, float64(c.stats.GetPacketsSent()))
	ch <- prometheus.MustNewConstMetric(c.retransmittedDesc,
		prometheus.CounterValue, float64(c.stats.GetPacketsRetransmitted()))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc,
		prometheus.CounterValue, float64(c.stats.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.payloadBytesDesc,
		prometheus.CounterValue, float64(c.stats.GetPayloadBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.sendErrorsDesc,
		prometheus.CounterValue, float64(c.stats.GetSendErrors()))
	ch <- prometheus.MustNewConstMetric(c.acksDesc,
		prometheus.CounterValue, float64(c.stats.GetAcksProcessed()))
	ch <- prometheus.MustNewConstMetric(c.naksDesc,
		prometheus.CounterValue, float64(c.stats.GetNaksProcessed()))
	ch <- prometheus.MustNewConstMetric(c.inactiveDesc,
		prometheus.CounterValue, float64(c.stats.GetInactiveEvents()))
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc,
		prometheus.GaugeValue, c.stats.GetUptimeSeconds())

	if c.gauges != nil {
		ch <- prometheus.MustNewConstMetric(c.pendingDesc,
			prometheus.GaugeValue, float64(c.gauges.PendingCount()))
		ch <- prometheus.MustNewConstMetric(c.inFlightDesc,
			prometheus.GaugeValue, float64(c.gauges.InFlightCount()))
		ch <- prometheus.MustNewConstMetric(c.flowWindowDesc,
			prometheus.GaugeValue, float64(c.gauges.FlowWindowSize()))
	}
}
