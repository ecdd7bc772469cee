// Package main is the entry point for the oppi host daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/api"
	"github.com/duh17/oppi/internal/audit"
	"github.com/duh17/oppi/internal/authproxy"
	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/httpmw"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/common/tracing"
	"github.com/duh17/oppi/internal/events"
	"github.com/duh17/oppi/internal/events/bus"
	"github.com/duh17/oppi/internal/gate"
	"github.com/duh17/oppi/internal/liveactivity"
	"github.com/duh17/oppi/internal/policy"
	"github.com/duh17/oppi/internal/push"
	"github.com/duh17/oppi/internal/rules"
	"github.com/duh17/oppi/internal/session"
	"github.com/duh17/oppi/internal/store"
	"github.com/duh17/oppi/internal/stream"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting oppi host daemon...")

	// 3. Connect the event bus; an empty NATS URL selects the in-memory bus
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Rule registry and policy engine
	ruleStore := rules.NewStore(cfg.Policy.RulesPath, log)
	if err := ruleStore.SeedIfEmpty(rules.DefaultSeed()); err != nil {
		log.Warn("Failed to seed preset rules", zap.Error(err))
	}
	policyCfg, err := policy.LoadFileConfig(cfg.Policy.ConfigPath)
	if err != nil {
		log.Fatal("Failed to load policy config", zap.Error(err))
	}
	engine := policy.NewEngine(ruleStore, policy.Compile(policyCfg), log)

	// 5. Audit log
	auditLog := audit.NewLog(cfg.Policy.AuditPath, cfg.Policy.AuditMaxSize, eventBus, log)

	// 6. Document and message stores
	docs, err := store.NewDocumentStore(cfg.Store.Dir, log)
	if err != nil {
		log.Fatal("Failed to open document store", zap.Error(err))
	}
	msgs, err := store.NewMessageStore(cfg.Store.MessagesPath)
	if err != nil {
		log.Fatal("Failed to open message store", zap.Error(err))
	}
	defer msgs.Close()

	// 7. Gate
	g := gate.New(cfg.Gate, engine, ruleStore, auditLog, eventBus, log)

	// 8. Session orchestrator over the agent process backend
	proxyURL := fmt.Sprintf("http://%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
	factory := session.NewProcBackendFactory(session.ProcBackendConfig{
		Command:  cfg.Agent.Command,
		ProxyURL: proxyURL,
	}, log)
	orch := session.NewOrchestrator(cfg.Session, docs, msgs, eventBus, g, factory, log)
	g.SetBroadcaster(orch)

	// 9. Owner stream multiplexer
	mux := stream.NewMux(orch, g, cfg.Stream, log)

	// 10. Auth proxy; sessions gain provider access for their lifetime
	creds := authproxy.NewCredStore(cfg.Proxy.CredentialsPath, log)
	defer creds.Close()
	proxy := authproxy.NewProxy(authproxy.DefaultRoutes(), creds, log)

	if _, err := eventBus.Subscribe(events.SessionStarted, func(ctx context.Context, evt *bus.Event) error {
		if id, ok := evt.Data["sessionId"].(string); ok {
			proxy.RegisterSession(id, nil)
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe to session events", zap.Error(err))
	}
	if _, err := eventBus.Subscribe(events.SessionEnded, func(ctx context.Context, evt *bus.Event) error {
		if id, ok := evt.Data["sessionId"].(string); ok {
			proxy.RemoveSession(id)
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe to session events", zap.Error(err))
	}

	// 11. Push sink and live activity bridge
	sink := push.NewLogSink(log)
	bridge := liveactivity.NewBridge(sink, log)
	if err := bridge.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach live activity bridge", zap.Error(err))
	}

	// 12. Owner HTTP server: REST API plus the stream WebSocket
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "oppid"))
	router.Use(httpmw.OtelTracing("oppid"))
	router.Use(gin.Recovery())

	handler := api.NewHandler(docs, msgs, ruleStore, auditLog, orch, g, log)
	api.SetupRoutes(router.Group("/api/v1"), handler)
	router.GET("/stream", mux.Handler())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Auth proxy server on its own port; no timeouts, responses stream
	proxyRouter := gin.New()
	proxyRouter.Use(httpmw.RequestLogger(log, "oppi-proxy"))
	proxyRouter.Use(gin.Recovery())
	proxy.Routes(proxyRouter)

	proxyServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
		Handler: proxyRouter,
	}

	// 14. Start both servers
	go func() {
		log.Info("Owner server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start owner server", zap.Error(err))
		}
	}()
	go func() {
		log.Info("Auth proxy listening", zap.String("addr", proxyServer.Addr))
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start auth proxy", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down oppi host daemon...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Owner server shutdown error", zap.Error(err))
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Auth proxy shutdown error", zap.Error(err))
	}

	orch.Shutdown()
	bridge.Close()
	sink.Shutdown()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("oppi host daemon stopped")
}
