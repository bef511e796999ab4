// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 数据报后端 - 数据报封装为二进制消息，CDN 友好
// =============================================================================
package transport

import (
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket 后端参数
const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsBufferSize       = 32 * 1024
)

// WSSocket WebSocket 数据报后端
// 每个数据报对应一条二进制消息；连接只面向单个对端，Send 忽略 dst
type WSSocket struct {
	conn    *websocket.Conn
	peerURL string

	writeMu sync.Mutex
	closed  int32

	// 统计
	bytesSent     uint64
	bytesReceived uint64
}

// DialWSSocket 连接 ws[s]://host/path 对端
func DialWSSocket(peerURL string) (*WSSocket, error) {
	u, err := url.Parse(peerURL)
	if err != nil {
		return nil, fmt.Errorf("解析 WebSocket 地址失败: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("不支持的协议: %s", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
	}

	conn, _, err := dialer.Dial(peerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket 连接失败: %w", err)
	}

	return &WSSocket{conn: conn, peerURL: peerURL}, nil
}

// Send 发送一条二进制消息 (dst 被忽略，连接已绑定对端)
func (s *WSSocket) Send(dst net.Addr, data []byte) (int, error) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return 0, fmt.Errorf("WebSocket 已关闭")
	}

	// gorilla 的写入不允许并发
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return 0, err
	}
	atomic.AddUint64(&s.bytesSent, uint64(len(data)))
	return len(data), nil
}

// ReadFrom 读取一条二进制消息
func (s *WSSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		return 0, s.conn.RemoteAddr(), err
	}
	if msgType != websocket.BinaryMessage {
		return 0, s.conn.RemoteAddr(), fmt.Errorf("非二进制消息: %d", msgType)
	}
	if len(data) > len(buf) {
		return 0, s.conn.RemoteAddr(), fmt.Errorf("消息超过缓冲区: %d > %d", len(data), len(buf))
	}

	n := copy(buf, data)
	atomic.AddUint64(&s.bytesReceived, uint64(n))
	return n, s.conn.RemoteAddr(), nil
}

// LocalAddr 本地地址
func (s *WSSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr 对端地址，发送队列以此为目的地址
func (s *WSSocket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close 关闭连接
func (s *WSSocket) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
