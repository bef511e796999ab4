// =============================================================================
// 文件: internal/transport/socket.go
// 描述: 数据报 socket 抽象与 UDP 实现
// =============================================================================
package transport

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Socket 不可靠数据报 socket 抽象
// 发送队列只依赖 Send；ReadFrom 供持有方读取对端的 ACK/NAK 控制帧
type Socket interface {
	// Send 向 dst 发送一个数据报，返回写入字节数
	Send(dst net.Addr, data []byte) (int, error)

	// ReadFrom 读取一个数据报
	ReadFrom(buf []byte) (int, net.Addr, error)

	// LocalAddr 本地地址
	LocalAddr() net.Addr

	// Close 关闭 socket
	Close() error
}

// 缓冲区配置
const (
	defaultSocketBufferSize = 8 * 1024 * 1024  // 8MB 默认
	maxSocketBufferSize     = 64 * 1024 * 1024 // 64MB 最大
	minSocketBufferSize     = 2 * 1024 * 1024  // 2MB 最小
)

// BufferConfig socket 缓冲区配置
type BufferConfig struct {
	// 目标带宽 (bps)，用于按 BDP 自动计算缓冲区
	TargetBandwidth uint64

	// 预期 RTT (ms)，用于计算 BDP
	ExpectedRTTMs uint32

	// 手动指定缓冲区大小 (优先级高于自动计算)
	ReadBufferSize  int
	WriteBufferSize int
}

// effectiveSize 计算生效的缓冲区大小
func (c *BufferConfig) effectiveSize(manual int) int {
	if manual > 0 {
		return clampBufferSize(manual)
	}
	if c.TargetBandwidth > 0 && c.ExpectedRTTMs > 0 {
		// BDP = 带宽 * RTT，再留一倍余量
		bdp := c.TargetBandwidth / 8 * uint64(c.ExpectedRTTMs) / 1000
		return clampBufferSize(int(bdp * 2))
	}
	return defaultSocketBufferSize
}

func clampBufferSize(size int) int {
	if size < minSocketBufferSize {
		return minSocketBufferSize
	}
	if size > maxSocketBufferSize {
		return maxSocketBufferSize
	}
	return size
}

// UDPSocket UDP 实现
type UDPSocket struct {
	conn *net.UDPConn

	// 统计
	bytesSent     uint64
	bytesReceived uint64
	sendErrors    uint64
}

// NewUDPSocket 在 listen 地址上创建 UDP socket
func NewUDPSocket(listen string, bufCfg *BufferConfig) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("解析监听地址失败: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 UDP 失败: %w", err)
	}

	if bufCfg == nil {
		bufCfg = &BufferConfig{}
	}
	// 系统可能砍半，设置失败不致命
	conn.SetReadBuffer(bufCfg.effectiveSize(bufCfg.ReadBufferSize))
	conn.SetWriteBuffer(bufCfg.effectiveSize(bufCfg.WriteBufferSize))

	return &UDPSocket{conn: conn}, nil
}

// Send 发送数据报
func (s *UDPSocket) Send(dst net.Addr, data []byte) (int, error) {
	udpAddr, ok := dst.(*net.UDPAddr)
	if !ok {
		atomic.AddUint64(&s.sendErrors, 1)
		return 0, fmt.Errorf("目标地址类型错误: %T", dst)
	}

	n, err := s.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		atomic.AddUint64(&s.sendErrors, 1)
		return n, err
	}
	atomic.AddUint64(&s.bytesSent, uint64(n))
	return n, nil
}

// ReadFrom 读取数据报
func (s *UDPSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return n, addr, err
	}
	atomic.AddUint64(&s.bytesReceived, uint64(n))
	return n, addr, nil
}

// LocalAddr 本地地址
func (s *UDPSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close 关闭
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// BytesSent 已发送字节数
func (s *UDPSocket) BytesSent() uint64 {
	return atomic.LoadUint64(&s.bytesSent)
}

// BytesReceived 已接收字节数
func (s *UDPSocket) BytesReceived() uint64 {
	return atomic.LoadUint64(&s.bytesReceived)
}
