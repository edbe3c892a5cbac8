package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"FleetBroker/internal/broker"
	"FleetBroker/internal/config"
	"FleetBroker/internal/database"
	"FleetBroker/internal/grpcserver"
	"FleetBroker/internal/httpserver"
	"FleetBroker/internal/logger"
	"FleetBroker/internal/protocol"
	"FleetBroker/internal/wsclient"
	"FleetBroker/internal/wsserver"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: demo, server, agent")
		configPath = flag.String("config", "", "配置文件路径，默认在 ./configs 下查找 broker.yaml")
		nodeID     = flag.String("node", "", "agent 模式的节点ID，覆盖配置")
		kind       = flag.String("kind", "", "agent 模式的会话类型 SHELL/SCREEN，覆盖配置")
		url        = flag.String("url", "", "agent 模式的 broker 地址，覆盖配置")
	)
	flag.Parse()

	var err error
	switch *mode {
	case "demo":
		err = runDemo()
	case "server":
		err = runServer(*configPath)
	case "agent":
		err = runAgent(*configPath, *url, *nodeID, *kind)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.NewLogger("main").WithError(err).Error("exited with error")
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runServer 加载配置并启动 broker 与全部接入层，收到信号后按相反顺序关闭
func runServer(configPath string) error {
	log := logger.NewLogger("main")
	hub := logger.NewHub(logrus.InfoLevel)

	manager := config.NewManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(true),
		config.WithLogger(logger.NewLogger("config")),
		config.WithOnChange(func(old, cur *config.BrokerConfig) {
			if old.Logging.Level == cur.Logging.Level {
				return
			}
			if err := logger.SetLevel(cur.Logging.Level); err != nil {
				log.WithError(err).Warn("ignoring log level change")
				return
			}
			log.WithField("level", cur.Logging.Level).Info("log level reloaded")
		}),
	)
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		return err
	}
	logger.AddHook(hub)
	log.WithFields(logrus.Fields(manager.Summary())).Info("configuration loaded")

	ctx, stop := signalContext()
	defer stop()
	go hub.Run(ctx)

	opts := cfg.BrokerOptions()
	opts.Logger = logger.NewLogger("broker")

	var audit *database.AuditSink
	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		audit = database.NewAuditSink(pool, cfg.Database.QueueSize)
		if err := audit.EnsureSchema(ctx); err != nil {
			return err
		}
		audit.Start(context.Background())
		opts.Observer = audit
		log.WithFields(logrus.Fields(database.PoolStats(pool))).Info("audit database connected")
	}

	b := broker.New(opts)
	b.Start(ctx)

	ws := wsserver.New(wsserver.ServerConfig{
		Addr:             cfg.Server.WSAddr,
		ReadBufferSize:   cfg.Server.ReadBufferSize,
		WriteBufferSize:  cfg.Server.WriteBufferSize,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		PollInterval:     cfg.Server.AgentPollInterval,
	}, b, wsserver.WithLogHub(hub))
	if err := ws.Start(); err != nil {
		return err
	}

	api := httpserver.NewAPIServer(cfg.Server.APIAddr, b, cfg.Server.AllowedOrigins)
	errCh := make(chan error, 2)
	go func() { errCh <- api.Start() }()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	rpc := grpcserver.NewSessionServer(b)
	go func() { errCh <- rpc.Serve(grpcLis) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed, shutting down")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	rpc.Stop(shutdownCtx)
	if err := api.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("api server shutdown")
	}
	// broker 先关闭会话，连接随之收到关闭通知，再停止 WebSocket 服务
	if err := b.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("broker shutdown")
	}
	if err := ws.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("websocket server shutdown")
	}
	if audit != nil {
		if err := audit.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("audit drain")
		}
		log.WithFields(logrus.Fields(audit.Stats())).Info("audit sink closed")
	}
	log.Info("stopped")
	return nil
}

// runAgent 运行演示 agent：Shell 回显或屏幕测试图案
func runAgent(configPath, url, nodeID, kindName string) error {
	cfg, err := config.NewManager(config.WithConfigPath(configPath)).Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LoggerOptions()); err != nil {
		return err
	}

	if url == "" {
		url = cfg.Agent.URL
	}
	if nodeID == "" {
		nodeID = cfg.Agent.NodeID
	}
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = host
	}
	if kindName == "" {
		kindName = cfg.Agent.Kind
	}
	kind, err := broker.ParseKind(kindName)
	if err != nil {
		return err
	}

	clientCfg := wsclient.DefaultClientConfig(url, nodeID, kind)
	clientCfg.ReconnectInitial = cfg.Agent.ReconnectInitial
	clientCfg.ReconnectMax = cfg.Agent.ReconnectMax
	clientCfg.ReconnectMaxElapsed = cfg.Agent.ReconnectMaxElapsed

	var handler wsclient.Handler = wsclient.EchoShell{NodeID: nodeID}
	if kind == broker.KindScreen {
		handler = &wsclient.TestPattern{Size: 32 * 1024}
	}
	client := wsclient.New(clientCfg, handler)
	log := logger.NewLogger("main")
	client.SetStateChangeHandler(func(old, cur wsclient.ClientState) {
		log.WithFields(logrus.Fields{"from": old.String(), "to": cur.String()}).Info("agent state changed")
	})

	ctx, stop := signalContext()
	defer stop()
	return client.Run(ctx)
}

// runDemo 在进程内跑通一次完整的 Shell 会话
func runDemo() error {
	if err := logger.Init(logger.Options{Level: "warn"}); err != nil {
		return err
	}
	fmt.Println("FleetBroker - 实时交互会话代理演示")
	fmt.Println("==================================")

	b := broker.New(broker.Options{Logger: logger.NewLogger("broker")})
	ctx, stop := signalContext()
	defer stop()
	b.Start(ctx)

	cfg := wsserver.DefaultServerConfig("127.0.0.1:0")
	cfg.PollInterval = 50 * time.Millisecond
	ws := wsserver.New(cfg, b)
	if err := ws.Start(); err != nil {
		return err
	}
	base := "ws://" + ws.Addr()
	fmt.Printf("broker 监听: %s\n", base)

	agent := wsclient.New(wsclient.DefaultClientConfig(base, "demo-node", broker.KindShell), wsclient.EchoShell{NodeID: "demo-node"})
	go agent.Run(ctx)
	defer agent.Close()

	id, err := b.Create("demo-node", "demo-user", broker.KindShell, broker.Settings{Shell: &broker.ShellSettings{Flavor: "bash"}})
	if err != nil {
		return err
	}
	fmt.Printf("创建会话: %s\n", id)

	deadline := time.Now().Add(5 * time.Second)
	for agent.State() != wsclient.StateAttached {
		if time.Now().After(deadline) {
			return errors.New("agent did not attach in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Println("agent 已接入")

	viewer, _, err := websocket.DefaultDialer.Dial(base+"/ws/viewer?session_id="+id+"&user_id=demo-user", nil)
	if err != nil {
		return err
	}
	defer viewer.Close()

	for _, cmd := range []string{"hostname", "uptime"} {
		if err := viewer.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(protocol.OpShellCommand, []byte(cmd))); err != nil {
			return err
		}
		out, err := readFrame(viewer, protocol.OpShellOutput)
		if err != nil {
			return err
		}
		fmt.Printf("> %s\n%s", cmd, out.Body)
	}

	if err := b.Close(id, broker.ReasonRequested); err != nil {
		return err
	}
	if f, err := readFrame(viewer, protocol.OpSessionClosed); err == nil {
		var closed protocol.SessionClosed
		_ = protocol.Unmarshal(f.Body, &closed)
		fmt.Printf("会话已关闭: reason=%s\n", closed.Reason)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.Shutdown(shutdownCtx)
	_ = ws.Shutdown(shutdownCtx)

	fmt.Println()
	fmt.Println("运行完整服务: go run . -mode=server")
	fmt.Println("运行演示 agent: go run . -mode=agent -node=web-1 -kind=SHELL")
	return nil
}

func readFrame(ws *websocket.Conn, op uint16) (protocol.Frame, error) {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return protocol.Frame{}, err
		}
		f, err := protocol.DecodeFrame(raw)
		if err != nil {
			return protocol.Frame{}, err
		}
		if f.Opcode == op {
			return f, nil
		}
	}
}
