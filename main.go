package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"GoLiveInterview/internal/audio"
	"GoLiveInterview/internal/backend"
	"GoLiveInterview/internal/client"
	"GoLiveInterview/internal/config"
	"GoLiveInterview/internal/grpcserver"
	"GoLiveInterview/internal/httpserver"
	"GoLiveInterview/internal/loadtest"
	"GoLiveInterview/internal/logger"
	"GoLiveInterview/internal/relay"
	"GoLiveInterview/internal/store"
)

func main() {
	var (
		mode       = flag.String("mode", "server", "运行模式: server, client, mock-backend, status, loadtest")
		configPath = flag.String("config", "", "配置文件路径（默认搜索 ./configs/interview.yaml）")
		addr       = flag.String("addr", "", "监听地址，覆盖配置文件")
		serverURL  = flag.String("server", "", "client/status 模式下的服务地址")
		resumeID   = flag.String("resume", "", "client 模式下的简历 ID")
		level      = flag.String("level", "", "client 模式下的经验级别")
		duration   = flag.Duration("duration", 0, "client 模式下的最长时长，0 表示直到面试结束；loadtest 模式下每个会话的时长")
		sessions   = flag.Int("sessions", 10, "loadtest 模式下的并发会话数")
		violations = flag.Int("violations", 0, "loadtest 模式下每个会话注入的违规次数")
	)
	flag.Parse()

	logger.InitLogger()

	cfgManager, err := config.NewManager(config.WithConfigPath(*configPath))
	if err != nil {
		log.Fatalf("❌ 加载配置失败: %v", err)
	}
	cfg := cfgManager.Get()

	switch *mode {
	case "server":
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		runServer(cfgManager, cfg)
	case "client":
		if *serverURL != "" {
			cfg.Client.ServerURL = *serverURL
		}
		if *resumeID != "" {
			cfg.Client.ResumeID = *resumeID
		}
		if *level != "" {
			cfg.Client.ExperienceLevel = *level
		}
		os.Exit(runClient(cfg, *duration))
	case "mock-backend":
		listen := *addr
		if listen == "" {
			listen = ":8090"
		}
		runMockBackend(listen)
	case "loadtest":
		target := *serverURL
		if target == "" {
			target = cfg.Client.ServerURL
		}
		runLoadTest(target, *sessions, *violations, *duration)
	case "status":
		target := *serverURL
		if target == "" {
			target = "localhost" + cfg.Server.GRPCAddr
		}
		runStatus(target, flag.Arg(0))
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver != "postgres" {
		log.Printf("Using in-memory interview store")
		return store.NewMemoryStore(), nil
	}

	pgStore, err := store.ConnectPgx(ctx, &store.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		DBName:   cfg.Name,
		SSLMode:  cfg.SSLMode,
		DSN:      cfg.DSN,
		MaxConns: cfg.MaxConns,
		MinConns: cfg.MinConns,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := pgStore.Migrate(ctx); err != nil {
			pgStore.Close()
			return nil, err
		}
	}
	return pgStore, nil
}

// runServer 启动面试服务：REST + WebSocket + gRPC 管理接口
func runServer(cfgManager *config.Manager, cfg *config.Config) {
	fmt.Println("🎙️  GoLiveInterview 面试会话服务")
	fmt.Println("=================================")

	monitor := logger.InitGlobal()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := openStore(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.Fatalf("❌ 连接存储失败: %v", err)
	}
	defer st.Close()

	dialer := backend.NewWSDialer(cfg.Session.BackendURL)
	dialer.ConnectTimeout = cfg.Session.BackendConnectTimeout
	dialer.MaxRetries = uint64(cfg.Session.BackendMaxRetries)
	dialer.WriteTimeout = cfg.Server.WriteTimeout

	mgr := relay.NewManager(relay.ConfigFrom(cfg), st, dialer)

	// 违规判定参数支持热更新，只影响之后创建的会话
	cfgManager.OnChange(func(old, updated *config.Config) {
		mgr.UpdateTuning(relay.ConfigFrom(updated).AntiCheat)
		logger.Info("config", "", "anti-cheating tunables reloaded (threshold %.2f, cooldown %v)",
			updated.AntiCheat.ConfidenceThreshold, updated.AntiCheat.Cooldown)
	})
	cfgManager.Watch()

	api := httpserver.NewAPIServer(cfg.Server.Addr, mgr, monitor, httpserver.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	})
	go func() {
		if err := api.Start(); err != nil {
			log.Fatalf("❌ HTTP服务器启动失败: %v", err)
		}
	}()

	grpcSrv := grpcserver.NewServer(cfg.Server.GRPCAddr, mgr)
	if _, err := grpcSrv.Start(); err != nil {
		log.Fatalf("❌ gRPC服务器启动失败: %v", err)
	}

	fmt.Printf("✅ 服务已启动\n")
	fmt.Printf("📍 REST:      http://localhost%s/api/v1\n", cfg.Server.Addr)
	fmt.Printf("🎧 Session:   ws://localhost%s/ws/interview/{id}\n", cfg.Server.Addr)
	fmt.Printf("📊 Monitor:   ws://localhost%s/ws/monitor\n", cfg.Server.Addr)
	fmt.Printf("🔧 gRPC:      localhost%s\n", cfg.Server.GRPCAddr)
	fmt.Printf("🤖 Backend:   %s\n", cfg.Session.BackendURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\n🔄 正在关闭服务...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// 先结束会话，再关监听
	mgr.Shutdown(shutdownCtx)
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP服务器关闭错误: %v", err)
	}
	grpcSrv.Shutdown(shutdownCtx)
	monitor.Stop()

	fmt.Println("✅ 服务已关闭")
}

// runClient 以候选人身份完成一场面试，麦克风由正弦波虚拟设备代替
func runClient(cfg *config.Config, duration time.Duration) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if duration > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, duration)
		defer timeoutCancel()
	}

	api := client.NewAPIClient(cfg.Client.ServerURL)
	iv, err := api.CreateInterview(ctx, cfg.Client.ResumeID, cfg.Client.ExperienceLevel)
	if err != nil {
		log.Printf("❌ 创建面试失败: %v", err)
		return 1
	}
	fmt.Printf("🎯 面试已创建: %s\n", iv.ID)

	c := client.New(client.ConfigFrom(cfg, api.SessionURL(iv.ID)), audio.NewToneDevice(220, 0.2), nil, nil)
	c.SetTranscriptHandler(func(text string) {
		fmt.Printf("🤖 %s\n", text)
	})
	c.SetWarningHandler(func(strikes, maxStrikes int, message string) {
		fmt.Printf("⚠️  [%d/%d] %s\n", strikes, maxStrikes, message)
	})

	res := c.Run(ctx)
	fmt.Printf("\n📋 面试结束: %s\n", res.Kind)
	fmt.Printf("   Strikes: %d\n", res.Strikes)
	fmt.Printf("   采集帧: %d, 已发送: %d, 丢弃: %d\n", res.Capture.Captured, res.Capture.Sent, res.Capture.Dropped)
	if res.Message != "" {
		fmt.Printf("   说明: %s\n", res.Message)
	}
	if res.Err != nil {
		fmt.Printf("   错误: %v\n", res.Err)
		return 1
	}
	return 0
}

// runMockBackend 启动本地模拟对话后端
func runMockBackend(addr string) {
	server := backend.NewMockServer(backend.DefaultMockConfig(addr))
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("❌ 启动模拟后端失败: %v", err)
		}
	}()
	fmt.Printf("🤖 模拟对话后端已启动: ws://localhost%s/ws\n", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("模拟后端关闭错误: %v", err)
	}
}

// runLoadTest 并发驱动多个候选人会话
func runLoadTest(baseURL string, sessions, violations int, duration time.Duration) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := loadtest.DefaultSessionLoadTestConfig(baseURL)
	cfg.ConcurrentSessions = sessions
	cfg.Violations = violations
	if duration > 0 {
		cfg.SessionDuration = duration
	}

	fmt.Printf("🔥 启动会话压测\n")
	fmt.Printf("   服务地址: %s\n", baseURL)
	fmt.Printf("   并发会话: %d\n", sessions)
	fmt.Printf("   会话时长: %v\n", cfg.SessionDuration)

	result, err := loadtest.NewSessionLoadTester(cfg).Run(ctx)
	if err != nil {
		log.Fatalf("❌ 压测失败: %v", err)
	}

	fmt.Printf("\n📋 压测完成! 用时 %v\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("   完成: %d, 终止: %d, 断开: %d, 失败: %d\n",
		result.Completed, result.Terminated, result.Disconnected, result.Failed)
	fmt.Printf("   连接延迟: avg %.1fms, p50 %.1fms, p95 %.1fms, p99 %.1fms\n",
		result.AvgConnectLatency, result.P50ConnectLatency, result.P95ConnectLatency, result.P99ConnectLatency)
	fmt.Printf("   音频帧: 采集 %d, 发送 %d, 丢弃 %d\n", result.FramesCaptured, result.FramesSent, result.FramesDropped)
	fmt.Printf("   警告: %d\n", result.Warnings)
	for kind, n := range result.ErrorsByType {
		fmt.Printf("   错误[%s]: %d\n", kind, n)
	}
}

// runStatus 通过 gRPC 管理接口查询会话，interviewID 为空时列出所有会话
func runStatus(target, interviewID string) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("❌ 连接 %s 失败: %v", target, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mc := grpcserver.NewMonitorClient(conn)
	var out map[string]any
	if interviewID == "" {
		out, err = mc.ListSessions(ctx)
	} else {
		out, err = mc.GetInterview(ctx, interviewID)
	}
	if err != nil {
		log.Fatalf("❌ 查询失败: %v", err)
	}

	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}
