// =============================================================================
// 文件: cmd/udtq-blaster/main.go
// 描述: 主程序入口 - 向单个对端持续发送带重传保障的数据流
// =============================================================================
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/311/internal/config"
	"github.com/mrcgq/311/internal/congestion"
	"github.com/mrcgq/311/internal/metrics"
	"github.com/mrcgq/311/internal/protocol"
	"github.com/mrcgq/311/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	peer := flag.String("peer", "", "对端地址 (覆盖配置文件)")
	payloadSize := flag.Int("payload", 4096, "每条消息的负载字节数")
	interval := flag.Duration("interval", 10*time.Millisecond, "消息生成间隔")

	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := os.WriteFile("config.example.yaml", []byte(config.GenerateExample()), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *peer != "" {
		cfg.Peer = *peer
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 创建 socket
	socket, destination, err := openSocket(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socket 错误: %v\n", err)
		os.Exit(1)
	}
	defer socket.Close()

	// 创建拥塞控制器 (可选)
	var cc congestion.Controller
	if cfg.Congestion.Enabled {
		rateBytes := float64(cfg.Congestion.RateMbps) * 1e6 / 8
		cc = congestion.NewRateController(
			rateBytes,
			cfg.Congestion.MTU,
			cfg.Congestion.InitialWindow,
			cfg.Congestion.MaxWindow,
		)
	}

	// 创建发送队列
	sendMetrics := metrics.New()
	queueCfg := &transport.QueueConfig{
		FlowWindowSize:    cfg.Queue.FlowWindowSize,
		PacketSendPeriod:  time.Duration(cfg.Queue.PacketSendPeriodUs) * time.Microsecond,
		InactivityTimeout: time.Duration(cfg.Queue.InactivityTimeoutMs) * time.Millisecond,
		MaxPending:        cfg.Queue.MaxPending,
	}
	queue := transport.NewSendQueue(socket, destination, queueCfg, cc, sendMetrics)

	// 创建 Metrics 服务器
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.MustRegisterCollector(metrics.NewSendQueueCollector(sendMetrics, queue))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return metrics.HealthStatus{
				Status:     "healthy",
				Timestamp:  time.Now(),
				Uptime:     time.Since(startTime),
				QueueState: queue.State().String(),
			}
		})
		if err := metricsServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
		}
	}

	queue.Start()
	printBanner(cfg, socket)

	g, gctx := errgroup.WithContext(ctx)

	// 控制包读取循环: 对端的 ACK/NAK 喂给发送队列
	g.Go(func() error {
		return controlLoop(gctx, socket, queue, sendMetrics)
	})

	// 负载生成循环
	g.Go(func() error {
		return pumpLoop(gctx, queue, *payloadSize, *interval)
	})

	// 等待信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\n正在关闭...")
	case <-gctx.Done():
	}

	cancel()
	queue.Stop()
	socket.Close()
	if metricsServer != nil {
		metricsServer.Stop()
	}
	g.Wait()

	printSummary(sendMetrics, queue)
}

// openSocket 按配置创建传输后端
func openSocket(cfg *config.Config) (transport.Socket, net.Addr, error) {
	switch cfg.Transport {
	case "websocket":
		ws, err := transport.DialWSSocket(cfg.Peer)
		if err != nil {
			return nil, nil, err
		}
		return ws, ws.RemoteAddr(), nil

	default:
		dst, err := net.ResolveUDPAddr("udp", cfg.Peer)
		if err != nil {
			return nil, nil, fmt.Errorf("解析对端地址失败: %w", err)
		}
		bufCfg := &transport.BufferConfig{
			TargetBandwidth: uint64(cfg.Socket.TargetBandwidthMbps) * 1e6,
			ExpectedRTTMs:   uint32(cfg.Socket.ExpectedRTTMs),
			ReadBufferSize:  cfg.Socket.ReadBufferBytes,
			WriteBufferSize: cfg.Socket.WriteBufferBytes,
		}
		sock, err := transport.NewUDPSocket(cfg.Listen, bufCfg)
		if err != nil {
			return nil, nil, err
		}
		return sock, dst, nil
	}
}

// controlLoop 读取对端控制包并喂给发送队列
func controlLoop(ctx context.Context, socket transport.Socket, queue *transport.SendQueue, m *metrics.SendMetrics) error {
	buf := make([]byte, 64*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, _, err := socket.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// socket 已关闭则退出循环
			return err
		}

		if !protocol.IsControlData(buf[:n]) {
			continue
		}

		pkt, err := protocol.DecodeControlPacket(buf[:n])
		if err != nil {
			continue
		}

		switch pkt.Type {
		case protocol.ControlACK:
			m.IncAcks()
		case protocol.ControlNAK, protocol.ControlNAKList:
			m.IncNaks()
		}
		queue.HandleControlPacket(pkt)
	}
}

// pumpLoop 持续生成负载消息
func pumpLoop(ctx context.Context, queue *transport.SendQueue, payloadSize int, interval time.Duration) error {
	if payloadSize <= 0 {
		payloadSize = 4096
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		payload := make([]byte, payloadSize)
		rng.Read(payload)

		if payloadSize <= protocol.MaxPayloadSize {
			if err := queue.QueuePacket(protocol.NewPacket(payload)); err != nil {
				if err == transport.ErrQueueStopped {
					return nil
				}
				continue
			}
		} else {
			if err := queue.QueuePacketList(protocol.NewPacketList(payload)); err != nil {
				if err == transport.ErrQueueStopped {
					return nil
				}
				continue
			}
		}
	}
}

func printVersion() {
	fmt.Printf("udtq-blaster v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("传输后端:")
	fmt.Println("  - udp       : 原生 UDP (低延迟)")
	fmt.Println("  - websocket : WebSocket 封装 (穿透受限网络)")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics  : Prometheus 格式指标")
	fmt.Println("  - /health   : JSON 健康状态")
}

func printBanner(cfg *config.Config, socket transport.Socket) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════╗")
	fmt.Println("║            udtq-blaster v1.0                     ║")
	fmt.Println("╠══════════════════════════════════════════════════╣")
	fmt.Printf("║  对端: %-41s ║\n", truncateString(cfg.Peer, 41))
	fmt.Printf("║  后端: %-41s ║\n", cfg.Transport)
	if addr := socket.LocalAddr(); addr != nil {
		fmt.Printf("║  本地: %-41s ║\n", truncateString(addr.String(), 41))
	}
	if cfg.Congestion.Enabled {
		fmt.Printf("║  速率: %-41s ║\n", fmt.Sprintf("%d Mbps", cfg.Congestion.RateMbps))
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标: %-41s ║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Println("╠══════════════════════════════════════════════════╣")
	fmt.Println("║  按 Ctrl+C 停止                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printSummary(m *metrics.SendMetrics, queue *transport.SendQueue) {
	fmt.Println()
	fmt.Printf("发送包数:   %d\n", m.GetPacketsSent())
	fmt.Printf("重传包数:   %d\n", m.GetPacketsRetransmitted())
	fmt.Printf("发送字节:   %d\n", m.GetBytesSent())
	fmt.Printf("ACK 处理:   %d\n", m.GetAcksProcessed())
	fmt.Printf("NAK 处理:   %d\n", m.GetNaksProcessed())
	fmt.Printf("发送错误:   %d\n", m.GetSendErrors())
	fmt.Printf("最终状态:   %s\n", queue.State())
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
