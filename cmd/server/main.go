package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/realtime/internal/config"
	"github.com/ericfitz/realtime/internal/redisconn"
	"github.com/ericfitz/realtime/internal/slogging"
	"github.com/ericfitz/realtime/realtime"
)

func main() {
	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()

	if err := run(cfg); err != nil {
		logger.Error("server exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slogging.Get()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rclient, err := redisconn.NewClient(redisconn.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer func() { _ = rclient.Close() }()

	pools, err := redisconn.NewPools(redisconn.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.PubSubPoolSize)
	if err != nil {
		return fmt.Errorf("failed to create pub/sub pools: %w", err)
	}
	defer pools.Close()

	hub := realtime.NewHub()
	rooms := realtime.NewRoomManager(hub)
	channels := realtime.NewChannelManager(cfg.Redis.PublishOnIndividualChannels)
	connectedUsers := realtime.NewConnectedUsersManager(rclient, realtime.ConnectedUsersPresets{
		UserTTL:           cfg.Hub.UserTTL,
		ProjectSetTTL:     cfg.Hub.ProjectSetTTL,
		NotEmptyTTL:       cfg.Hub.NotEmptyTTL,
		StaleClientWindow: cfg.Hub.StaleClientWindow,
	})

	processID := uuid.New().String()
	lb := realtime.NewWebsocketLoadBalancer(pools, channels, hub, connectedUsers, processID, cfg.Hub.MaxUpdatePayload)
	if err := lb.ListenForEditorEvents(ctx, rooms); err != nil {
		return fmt.Errorf("failed to start editor event listener: %w", err)
	}

	webAPI := realtime.NewWebAPIManager(cfg.Services.WebAPIURL, cfg.Services.WebAPIUser, cfg.Services.WebAPIPassword, cfg.Services.RequestTimeout)
	docUpdater := realtime.NewDocumentUpdaterManager(cfg.Services.DocumentUpdaterURL, cfg.Services.RequestTimeout, rclient, cfg.Hub.MaxUpdatePayload)
	auth := realtime.NewAuthorizationManager()
	controller := realtime.NewWebsocketController(webAPI, docUpdater, rooms, hub, auth, connectedUsers, lb, cfg.Hub.FlushIfEmptyDelay, cfg.Hub.ClientRefreshDelay)
	wsServer := realtime.NewWebsocketServer(controller, hub, cfg.WebSocket, cfg.Session.JWTSecret, cfg.Hub.MaxUpdatePayload)
	drain := realtime.NewDrainManager(hub, cfg.WebSocket.DrainTickInterval)

	router := setupRouter(cfg, wsServer, drain, rclient)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("real-time hub %s listening on %s", processID, cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	// Cycle clients to other processes before closing the listener.
	drain.StartDrainTimeWindow(1)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancel()
	logger.Info("shutdown complete")
	return nil
}

func setupRouter(cfg *config.Config, wsServer *realtime.WebsocketServer, drain *realtime.DrainManager, rclient *redis.Client) *gin.Engine {
	if cfg.Logging.IsDev {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(slogging.LoggerMiddleware())
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		c.String(http.StatusOK, "real-time is alive")
	})
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := rclient.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/drain", func(c *gin.Context) {
		var req struct {
			Rate            *int `json:"rate"`
			DurationMinutes *int `json:"duration_minutes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		switch {
		case req.DurationMinutes != nil:
			drain.StartDrainTimeWindow(*req.DurationMinutes)
		case req.Rate != nil:
			drain.StartDrain(*req.Rate)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "rate or duration_minutes is required"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/socket", wsServer.HandleConnection)
	return r
}
