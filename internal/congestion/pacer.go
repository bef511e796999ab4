// =============================================================================
// 文件: internal/congestion/pacer.go
// 描述: Pacing 发送速率控制 (防止突发)
// =============================================================================
package congestion

import (
	"sync"
	"time"
)

const (
	// Pacing 常量
	defaultMTU      = 1400
	minPacingRate   = 100 * 1024 // 100 KB/s
	maxBurstPackets = 10         // 最大突发包数
)

// Pacer 发送速率控制器 (令牌桶)
type Pacer struct {
	// 速率控制
	pacingRate float64 // 当前 pacing 速率 (bytes/s)

	// 令牌桶
	tokens     float64
	maxTokens  float64
	lastRefill time.Time

	// 配置
	mtu int

	// 统计
	packetsSent uint64

	mu sync.Mutex
}

// NewPacer 创建 Pacer
func NewPacer(initialRate float64, mtu int) *Pacer {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	if initialRate < minPacingRate {
		initialRate = minPacingRate
	}

	return &Pacer{
		pacingRate: initialRate,
		tokens:     float64(mtu * maxBurstPackets),
		maxTokens:  float64(mtu * maxBurstPackets),
		lastRefill: time.Now(),
		mtu:        mtu,
	}
}

// SetPacingRate 设置 pacing 速率
func (p *Pacer) SetPacingRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rate < minPacingRate {
		rate = minPacingRate
	}
	p.pacingRate = rate
}

// GetPacingRate 获取当前 pacing 速率
func (p *Pacer) GetPacingRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pacingRate
}

// GetPacingInterval 获取发包间隔
func (p *Pacer) GetPacingInterval(packetSize int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pacingRate <= 0 {
		return time.Millisecond
	}
	return time.Duration(float64(packetSize) / p.pacingRate * float64(time.Second))
}

// OnPacketSent 数据包发送时调用
func (p *Pacer) OnPacketSent(packetSize int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refillTokens()

	p.tokens -= float64(packetSize)
	if p.tokens < 0 {
		p.tokens = 0
	}
	p.packetsSent++
}

// CanSend 是否可以立即发送
func (p *Pacer) CanSend(packetSize int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refillTokens()
	return p.tokens >= float64(packetSize)
}

// refillTokens 补充令牌
func (p *Pacer) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(p.lastRefill)
	p.lastRefill = now

	if elapsed <= 0 {
		return
	}

	p.tokens += p.pacingRate * elapsed.Seconds()
	if p.tokens > p.maxTokens {
		p.tokens = p.maxTokens
	}
}

// Reset 重置
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokens = p.maxTokens
	p.lastRefill = time.Now()
	p.packetsSent = 0
}
