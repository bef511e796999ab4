// =============================================================================
// 文件: internal/congestion/rate.go
// 描述: 固定带宽控制器 - 发包间隔由目标速率推导，窗口按 NAK 做乘性退避
// =============================================================================
package congestion

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// 窗口参数
	minFlowWindow = 4
	// 每收到一个 ACK 的加性增长步长
	windowIncrement = 1
)

// RateController 固定带宽控制器
// 发包间隔 = MTU / 目标速率；窗口在 [minFlowWindow, maxWindow] 内
// 按 ACK 加性增长、按 NAK 乘性减半 (AIMD)
type RateController struct {
	pacer     *Pacer
	mtu       int
	maxWindow int

	window int64 // 当前流量窗口

	// 统计
	packetsObserved uint64
	acksObserved    uint64
	naksObserved    uint64

	mu sync.Mutex
}

// NewRateController 创建固定带宽控制器
func NewRateController(rateBytesPerSec float64, mtu, initialWindow, maxWindow int) *RateController {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	if initialWindow < minFlowWindow {
		initialWindow = minFlowWindow
	}
	if maxWindow < initialWindow {
		maxWindow = initialWindow
	}

	return &RateController{
		pacer:     NewPacer(rateBytesPerSec, mtu),
		mtu:       mtu,
		maxWindow: maxWindow,
		window:    int64(initialWindow),
	}
}

// PacketSendPeriod 当前发包间隔
func (c *RateController) PacketSendPeriod() time.Duration {
	return c.pacer.GetPacingInterval(c.mtu)
}

// FlowWindowSize 当前流量窗口
func (c *RateController) FlowWindowSize() int {
	return int(atomic.LoadInt64(&c.window))
}

// OnPacketSent 发送事件
func (c *RateController) OnPacketSent(seq uint32, wireSize int, isRetransmit bool) {
	atomic.AddUint64(&c.packetsObserved, 1)
	c.pacer.OnPacketSent(wireSize)
}

// OnAck 确认事件: 窗口加性增长
func (c *RateController) OnAck(ack uint32) {
	atomic.AddUint64(&c.acksObserved, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.window < int64(c.maxWindow) {
		c.window += windowIncrement
		if c.window > int64(c.maxWindow) {
			c.window = int64(c.maxWindow)
		}
	}
}

// OnNak 丢包事件: 窗口减半
func (c *RateController) OnNak(start, end uint32) {
	atomic.AddUint64(&c.naksObserved, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.window /= 2
	if c.window < minFlowWindow {
		c.window = minFlowWindow
	}
}

// GetStats 统计快照
func (c *RateController) GetStats() *Stats {
	return &Stats{
		PacketSendPeriod: c.PacketSendPeriod(),
		FlowWindowSize:   c.FlowWindowSize(),
		PacketsObserved:  atomic.LoadUint64(&c.packetsObserved),
		AcksObserved:     atomic.LoadUint64(&c.acksObserved),
		NaksObserved:     atomic.LoadUint64(&c.naksObserved),
		RateBytesPerSec:  c.pacer.GetPacingRate(),
	}
}

// Reset 重置
func (c *RateController) Reset() {
	c.mu.Lock()
	c.window = minFlowWindow
	c.mu.Unlock()

	atomic.StoreUint64(&c.packetsObserved, 0)
	atomic.StoreUint64(&c.acksObserved, 0)
	atomic.StoreUint64(&c.naksObserved, 0)
	c.pacer.Reset()
}
