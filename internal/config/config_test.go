// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置加载与校验测试
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写临时配置失败: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
listen: ":8388"
peer: "192.0.2.1:8388"
transport: udp
queue:
  flow_window_size: 64
  packet_send_period_us: 500
  inactivity_timeout_ms: 3000
congestion:
  enabled: true
  rate_mbps: 200
  mtu: 1400
  initial_window: 32
  max_window: 512
metrics:
  enabled: true
  listen: ":9091"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}

	if cfg.Queue.FlowWindowSize != 64 {
		t.Errorf("flow_window_size 不正确: got %d, want 64", cfg.Queue.FlowWindowSize)
	}
	if cfg.Queue.PacketSendPeriodUs != 500 {
		t.Errorf("packet_send_period_us 不正确: got %d, want 500", cfg.Queue.PacketSendPeriodUs)
	}
	if cfg.Congestion.RateMbps != 200 {
		t.Errorf("rate_mbps 不正确: got %d, want 200", cfg.Congestion.RateMbps)
	}
	// 未指定字段保持默认值
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics.path 默认值丢失: got %s", cfg.Metrics.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("不存在的文件应该报错")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"空 peer", func(c *Config) { c.Peer = "" }, "peer"},
		{"错误 transport", func(c *Config) { c.Transport = "tcp" }, "transport"},
		{"窗口为零", func(c *Config) { c.Queue.FlowWindowSize = 0 }, "flow_window_size"},
		{"负发包间隔", func(c *Config) { c.Queue.PacketSendPeriodUs = -1 }, "packet_send_period_us"},
		{"超时过短", func(c *Config) { c.Queue.InactivityTimeoutMs = 50 }, "inactivity_timeout_ms"},
		{"MTU 过小", func(c *Config) { c.Congestion.MTU = 100 }, "mtu"},
		{"初始窗口超过上限", func(c *Config) {
			c.Congestion.InitialWindow = 2048
			c.Congestion.MaxWindow = 1024
		}, "initial_window"},
		{"peer 缺端口", func(c *Config) { c.Peer = "192.0.2.1" }, "peer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Peer = "192.0.2.1:8388"
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("应该校验失败")
			}
			if !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("错误信息不含 %q: %v", tt.errSub, err)
			}
		})
	}
}

func TestValidatePortConflict(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ":9090"
	cfg.Peer = "192.0.2.1:8388"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = ":9090"

	if err := cfg.Validate(); err == nil {
		t.Error("端口冲突应该校验失败")
	}
}

func TestWebSocketTransportSkipsHostPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport = "websocket"
	cfg.Peer = "wss://relay.example.com/tunnel"

	if err := cfg.Validate(); err != nil {
		t.Errorf("WebSocket 配置校验失败: %v", err)
	}
}

func TestGenerateExampleRoundTrip(t *testing.T) {
	path := writeTempConfig(t, GenerateExample())
	if _, err := Load(path); err != nil {
		t.Errorf("示例配置应该可加载: %v", err)
	}
}
