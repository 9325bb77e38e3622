package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rentease/converse/internal/api"
	"github.com/rentease/converse/internal/auth"
	"github.com/rentease/converse/internal/broker"
	"github.com/rentease/converse/internal/config"
	"github.com/rentease/converse/internal/database"
	"github.com/rentease/converse/internal/delivery"
	"github.com/rentease/converse/internal/logger"
	"github.com/rentease/converse/internal/metrics"
	"github.com/rentease/converse/internal/presence"
	"github.com/rentease/converse/internal/registry"
	internalWs "github.com/rentease/converse/internal/websocket"
)

var log = logger.New("main")

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Error("Server stopped: %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
		logger.SetMinLevel(logger.LevelInfo)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := database.NewDatabase(ctx, database.DatabaseType(cfg.DBType), cfg.DatabaseURL, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("connect to %s database: %w", cfg.DBType, err)
	}
	defer store.Close()
	log.Info("Connected to %s database successfully", cfg.DBType)

	var publisher broker.Publisher = broker.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = broker.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicMessageSent)
		log.Info("Publishing message events to %s on %v", cfg.KafkaTopicMessageSent, cfg.KafkaBrokers)
	}
	defer publisher.Close()

	var mirror presence.OnlineMirror = presence.NopMirror{}
	if cfg.RedisAddr != "" {
		client, err := presence.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		mirror = presence.NewRedisMirror(client, "converse", cfg.PresenceTTL)
		log.Info("Mirroring presence to redis at %s", cfg.RedisAddr)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	reg := registry.New()
	coordinator := delivery.NewCoordinator(store, reg,
		delivery.WithPublisher(publisher),
		delivery.WithMetrics(m),
	)
	gateway := internalWs.NewGateway(reg, coordinator, internalWs.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		TypingTimeout:  cfg.TypingTimeout,
		RatePerSecond:  cfg.WSRatePerSecond,
		RateBurst:      cfg.WSRateBurst,
		Mirror:         mirror,
		Metrics:        m,
	})
	metrics.RegisterGauges(promRegistry, reg.Count, gateway.Tracker().Len)

	tokens := auth.NewTokenService(cfg.JWTSecret, auth.DefaultTokenTTL)

	router := gin.Default()
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			log.Warn("Health check failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(promRegistry)))

	authorized := router.Group("/api")
	authorized.Use(api.AuthMiddleware(tokens))
	api.RegisterRoutes(authorized,
		api.NewConversationHandler(store, coordinator),
		api.NewUserHandler(gateway),
	)

	// The socket route authenticates with ?token= since browsers cannot set
	// headers on an upgrade request.
	router.GET(cfg.WSPath, api.TokenAuthMiddleware(tokens), gateway.HandleWebSocket)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting on port %s (websocket at %s)", cfg.Port, cfg.WSPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case sig := <-quit:
		log.Info("Received %s, shutting down server...", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown: %v", err)
	}
	if err := gateway.Shutdown(shutdownCtx); err != nil {
		log.Warn("Websocket connections did not drain: %v", err)
	}
	coordinator.Wait()

	log.Info("Server exited properly")
	return nil
}
