package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdeck/agentdeck/internal/agent/registry"
	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	gateway "github.com/agentdeck/agentdeck/internal/gateway/websocket"
	"github.com/agentdeck/agentdeck/internal/orchestrator/api"
	"github.com/agentdeck/agentdeck/internal/orchestrator/controller"
	"github.com/agentdeck/agentdeck/internal/orchestrator/scheduler"
	"github.com/agentdeck/agentdeck/internal/orchestrator/wshandlers"
	"github.com/agentdeck/agentdeck/internal/resources"
	"github.com/agentdeck/agentdeck/internal/session"
	"github.com/agentdeck/agentdeck/internal/session/credentials"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/internal/workspace"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting orchestrator...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Event bus: in-process by default, NATS when configured
	var eventBus bus.EventBus
	if cfg.NATS.Embedded {
		eventBus = bus.NewMemoryEventBus(log)
	} else {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
	}
	defer eventBus.Close()

	// 4. Recover persisted agents
	st, err := store.New(cfg.Sessions.Dir, log)
	if err != nil {
		log.Fatal("Failed to open agent store", zap.Error(err))
	}
	agents, err := st.LoadAll()
	if err != nil {
		log.Fatal("Failed to load persisted agents", zap.Error(err))
	}

	reg := registry.New()
	for _, agent := range agents {
		if err := reg.Add(agent); err != nil {
			log.Warn("Skipping duplicate persisted agent",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		}
	}
	log.Info("Recovered agents", zap.Int("count", reg.Count()))

	// 5. Workspace manager backed by jujutsu
	vcs := workspace.NewJujutsu(cfg.Workspace.Binary, cfg.Workspace.CommandTimeout, log)
	workspaces, err := workspace.NewManager(cfg.Workspace, vcs, log)
	if err != nil {
		log.Fatal("Failed to initialize workspace manager", zap.Error(err))
	}

	// 6. Engine and controller
	creds := credentials.NewEnvProvider("AGENTDECK_")
	engine := session.NewProcEngine(cfg.Engine, creds, log)

	ctrl := controller.New(reg, st, workspaces, engine, eventBus, log)
	ctrl.InitSeq(agents)

	sched := scheduler.New(cfg.Scheduler.MaxConcurrency, reg, eventBus, log)
	sched.SetStarter(ctrl)
	ctrl.SetScheduler(sched)

	// 7. Command handlers and dispatcher
	completions := resources.NewLoader(cfg.Resources.Dir, log)
	handlers := wshandlers.New(ctrl, sched, completions, log)
	dispatcher := ws.NewDispatcher()
	handlers.Register(dispatcher)

	// 8. WebSocket gateway
	hub := gateway.NewHub(dispatcher, log)
	hub.SetSnapshotProvider(handlers.Snapshot)

	bridge := gateway.NewBridge(eventBus, hub, log)
	if err := bridge.Start(); err != nil {
		log.Fatal("Failed to start event bridge", zap.Error(err))
	}
	defer bridge.Stop()

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.CORS())
	router.Use(api.RequestLogger(log))

	wsHandler := gateway.NewHandler(hub, log)
	router.GET("/ws", wsHandler.HandleConnection)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"agents": reg.Count(),
		})
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	// 10. Run until a shutdown signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down orchestrator...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Live sessions are closed; their agents recover as stopped on
		// the next boot.
		ctrl.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Orchestrator failed", zap.Error(err))
	}
	log.Info("Orchestrator stopped")
}
