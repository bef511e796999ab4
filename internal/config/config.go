// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 发送引擎、socket、拥塞控制与监控配置
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	// 本地监听地址 (UDP 后端)
	Listen string `yaml:"listen"`

	// 对端地址: UDP 后端为 host:port，WebSocket 后端为 ws[s]://host/path
	Peer string `yaml:"peer"`

	// 传输后端: udp / websocket
	Transport string `yaml:"transport"`

	Queue      QueueConfig      `yaml:"queue"`
	Congestion CongestionConfig `yaml:"congestion"`
	Socket     SocketConfig     `yaml:"socket"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// QueueConfig 发送队列配置
type QueueConfig struct {
	FlowWindowSize      int `yaml:"flow_window_size"`
	PacketSendPeriodUs  int `yaml:"packet_send_period_us"`
	InactivityTimeoutMs int `yaml:"inactivity_timeout_ms"`
	MaxPending          int `yaml:"max_pending"`
}

// CongestionConfig 拥塞控制配置
type CongestionConfig struct {
	Enabled       bool `yaml:"enabled"`
	RateMbps      int  `yaml:"rate_mbps"`
	MTU           int  `yaml:"mtu"`
	InitialWindow int  `yaml:"initial_window"`
	MaxWindow     int  `yaml:"max_window"`
}

// SocketConfig socket 缓冲区配置
type SocketConfig struct {
	TargetBandwidthMbps int `yaml:"target_bandwidth_mbps"`
	ExpectedRTTMs       int `yaml:"expected_rtt_ms"`
	ReadBufferBytes     int `yaml:"read_buffer_bytes"`
	WriteBufferBytes    int `yaml:"write_buffer_bytes"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":0",
		Transport: "udp",
		Queue: QueueConfig{
			FlowWindowSize:      16,
			PacketSendPeriodUs:  1000,
			InactivityTimeoutMs: 5000,
			MaxPending:          0,
		},
		Congestion: CongestionConfig{
			Enabled:       true,
			RateMbps:      100,
			MTU:           1400,
			InitialWindow: 16,
			MaxWindow:     1024,
		},
		Socket: SocketConfig{
			TargetBandwidthMbps: 100,
			ExpectedRTTMs:       50,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     ":9090",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Peer == "" {
		return fmt.Errorf("peer 不能为空")
	}

	switch c.Transport {
	case "udp":
		if _, _, err := net.SplitHostPort(c.Peer); err != nil {
			return fmt.Errorf("peer 地址格式错误: %w", err)
		}
		if _, err := parsePort(c.Listen); err != nil {
			return fmt.Errorf("listen 端口格式错误: %w", err)
		}
	case "websocket":
		// 地址在拨号时校验
	default:
		return fmt.Errorf("不支持的 transport: %s", c.Transport)
	}

	if c.Queue.FlowWindowSize < 1 || c.Queue.FlowWindowSize > 65536 {
		return fmt.Errorf("queue.flow_window_size 需在 1-65536 之间")
	}
	if c.Queue.PacketSendPeriodUs < 0 {
		return fmt.Errorf("queue.packet_send_period_us 不能为负")
	}
	if c.Queue.InactivityTimeoutMs < 100 {
		return fmt.Errorf("queue.inactivity_timeout_ms 需不小于 100")
	}
	if c.Queue.MaxPending < 0 {
		return fmt.Errorf("queue.max_pending 不能为负")
	}

	if c.Congestion.Enabled {
		if c.Congestion.RateMbps < 1 || c.Congestion.RateMbps > 100000 {
			return fmt.Errorf("congestion.rate_mbps 需在 1-100000 之间")
		}
		if c.Congestion.MTU < 576 || c.Congestion.MTU > 65535 {
			return fmt.Errorf("congestion.mtu 需在 576-65535 之间")
		}
		if c.Congestion.InitialWindow > c.Congestion.MaxWindow {
			return fmt.Errorf("congestion.initial_window (%d) 不能大于 max_window (%d)",
				c.Congestion.InitialWindow, c.Congestion.MaxWindow)
		}
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if c.Transport == "udp" {
			if mainPort, err := parsePort(c.Listen); err == nil &&
				mainPort != 0 && mainPort == metricsPort {
				return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
			}
		}
	}

	return nil
}

// GenerateExample 生成示例配置
func GenerateExample() string {
	cfg := DefaultConfig()
	cfg.Listen = ":8388"
	cfg.Peer = "203.0.113.10:8388"
	cfg.Metrics.Enabled = true

	data, _ := yaml.Marshal(cfg)
	return string(data)
}

// parsePort 从 host:port 提取端口号
func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("无效端口: %s", portStr)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("端口超出范围: %d", port)
	}
	return port, nil
}
