// Package main is the ads server entry point. One binary runs the realtime
// gateway, the task queue, the notifier and the purge scheduler on shared
// infrastructure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/adsrv/adsrv/internal/agent"
	"github.com/adsrv/adsrv/internal/bootstrap"
	"github.com/adsrv/adsrv/internal/common/config"
	"github.com/adsrv/adsrv/internal/common/httpmw"
	"github.com/adsrv/adsrv/internal/common/logger"
	"github.com/adsrv/adsrv/internal/db"
	"github.com/adsrv/adsrv/internal/events/bus"
	"github.com/adsrv/adsrv/internal/execution"
	gateway "github.com/adsrv/adsrv/internal/gateway/websocket"
	"github.com/adsrv/adsrv/internal/locking"
	"github.com/adsrv/adsrv/internal/notify"
	"github.com/adsrv/adsrv/internal/session"
	taskhandlers "github.com/adsrv/adsrv/internal/task/handlers"
	"github.com/adsrv/adsrv/internal/task/repository/sqlite"
	taskservice "github.com/adsrv/adsrv/internal/task/service"
	"github.com/adsrv/adsrv/internal/verify"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ads server...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stateDir := cfg.State.ResolvedStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err), zap.String("dir", stateDir))
	}
	pidPath := filepath.Join(stateDir, "ads.pid")
	if err := writePIDFile(pidPath); err != nil {
		log.Warn("Failed to write pid file", zap.Error(err))
	}
	defer os.Remove(pidPath)

	// Event bus: in-memory unless NATS is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// Embedded store.
	dbPath := cfg.State.ResolvedDBPath()
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		log.Fatal("Failed to open sqlite database", zap.Error(err), zap.String("db_path", dbPath))
	}
	defer writer.Close()
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		log.Fatal("Failed to open sqlite reader", zap.Error(err), zap.String("db_path", dbPath))
	}
	defer reader.Close()
	if err := sqlite.InitSchema(ctx, writer); err != nil {
		log.Fatal("Failed to initialize schema", zap.Error(err))
	}
	repo := sqlite.NewRepository(writer, reader)
	log.Info("SQLite store initialized", zap.String("db_path", dbPath))

	// Shared infrastructure.
	locks := locking.NewPool()
	execRunner := execution.NewRunner(log)

	// Session manager with a per-session orchestrator over the configured
	// agents.
	agentDefs := cfg.Agents
	if len(agentDefs) == 0 {
		agentDefs = []config.AgentConfig{{ID: "codex", Command: "codex"}}
	}
	orchestratorFactory := func(cwd, resumeThread string) (*agent.Orchestrator, error) {
		adapters := make([]agent.Adapter, 0, len(agentDefs))
		for _, def := range agentDefs {
			adapters = append(adapters, agent.NewStreamJSONAdapter(agent.StreamJSONConfig{
				ID:           def.ID,
				Command:      def.Command,
				Args:         def.Args,
				DefaultModel: def.DefaultModel,
				WorkDir:      cwd,
				TurnTimeout:  def.TurnTimeout(),
			}, log))
		}
		if resumeThread != "" {
			if setter, ok := adapters[0].(interface{ SetThreadID(string) }); ok {
				setter.SetThreadID(resumeThread)
			}
		}
		return agent.NewOrchestrator(log, adapters...)
	}
	sessions := session.NewManager(log, orchestratorFactory, 0)
	sessions.Start(ctx)
	defer sessions.Stop()

	// Task queue with its own orchestrator for headless turns.
	var queue *taskservice.Queue
	if cfg.Queue.Enabled {
		queueOrch, err := orchestratorFactory("", "")
		if err != nil {
			log.Fatal("Failed to create queue orchestrator", zap.Error(err))
		}
		turns := taskservice.NewAgentTurns(queueOrch, eventBus, cfg.Queue.PlanModel, cfg.Queue.DefaultModel, log)
		queue = taskservice.NewQueue(taskservice.QueueConfig{
			Repo:      repo,
			Bus:       eventBus,
			Locks:     locks,
			Planner:   turns,
			Executor:  turns,
			AutoStart: cfg.Queue.AutoStart,
		}, log)
		queue.Run(ctx)
		defer queue.Close()
		log.Info("Task queue initialized", zap.Bool("auto_start", cfg.Queue.AutoStart))
	} else {
		log.Info("Task queue disabled")
	}

	// Terminal-transition notifier, when a Telegram sender is configured.
	telegramCfg := notify.TelegramConfig{Token: cfg.Notify.TelegramToken, ChatID: cfg.Notify.TelegramChatID}
	if telegramCfg.Enabled() {
		sender, err := notify.NewTelegramSender(telegramCfg, log)
		if err != nil {
			log.Fatal("Failed to create telegram sender", zap.Error(err))
		}
		notifier := taskservice.NewNotifier(repo, sender, eventBus, log)
		if err := notifier.Start(ctx); err != nil {
			log.Fatal("Failed to start notifier", zap.Error(err))
		}
		defer notifier.Close()
		log.Info("Task notifier initialized")
	} else {
		log.Info("Task notifier disabled (no telegram credentials)")
	}

	// Archive purge scheduler.
	purger := taskservice.NewPurger(repo, filepath.Join(stateDir, "blobs"), log)
	purger.Start(ctx)
	defer purger.Close()

	// Bootstrap plane: worktree preparation plus the repair loop, driven by a
	// dedicated orchestrator.
	bootOrch, err := orchestratorFactory("", "")
	if err != nil {
		log.Fatal("Failed to create bootstrap orchestrator", zap.Error(err))
	}
	preparer := bootstrap.NewWorktreePreparer(stateDir, locks, execRunner, log)
	loop := bootstrap.NewLoop(execRunner, verify.NewRunner(execRunner, log), bootstrap.NewOrchestratorRunner(bootOrch), log)
	bootSvc := bootstrap.NewService(preparer, loop, bootstrap.ServiceConfig{
		MaxIterations: cfg.Bootstrap.MaxIterations,
		SandboxMode:   cfg.Bootstrap.SandboxMode,
		BranchPrefix:  cfg.Bootstrap.BranchPrefix,
	}, log)

	// Realtime gateway.
	gw := gateway.NewGateway(gateway.GatewayConfig{
		Web:          cfg.Web,
		Explored:     cfg.Explored,
		Locks:        locks,
		Sessions:     sessions,
		Exec:         execRunner,
		Bootstrapper: bootSvc,
	}, log)
	defer gw.Close()
	wsHandler := gateway.NewHandler(gw)

	bridge := gateway.NewTaskEventBridge(gw.Hub(), eventBus, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start task event bridge", zap.Error(err))
	}
	defer bridge.Close()

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID(), httpmw.RequestLogger(log))
	router.Use(corsMiddleware(cfg.Web.AllowedOrigins))

	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "ads"})
	})
	if queue != nil {
		taskhandlers.NewTaskHandler(repo, queue, eventBus, log).RegisterRoutes(router)
	} else {
		log.Info("Task API disabled (queue is off)")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/api/health"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down ads server...")
		if queue != nil {
			queue.Pause("server shutting down")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := group.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	log.Info("ads server stopped")
}

// writePIDFile records the server pid for external tooling.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// corsMiddleware mirrors the WS origin policy onto the HTTP API. An empty
// allow-list keeps the API open.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
