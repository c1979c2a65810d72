package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/database"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/health"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/logger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/middleware"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/config"
	subEvents "github.com/Kilat-Pet-Delivery/service-subscription/internal/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/handler"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/metrics"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/reconciler"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/repository"
)

const serviceName = "service-subscription"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.NewNamed(cfg.AppEnv, serviceName)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting "+serviceName,
		zap.String("port", cfg.Port),
		zap.Bool("mock_gateway", cfg.StripeConfig.UseMock),
	)

	// Connect to database and apply migrations
	db, err := database.Connect(cfg.DBConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.RunMigrations(cfg.DBConfig.DatabaseURL(), zapLogger); err != nil {
		zapLogger.Fatal("failed to run migrations", zap.Error(err))
	}

	// Connect to Redis for leases and webhook deduplication
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	defer redisClient.Close()

	collector := metrics.New()

	// Initialize Kafka producer
	kafkaProducer := kafka.NewProducer(cfg.KafkaConfig.Brokers, zapLogger)
	defer kafkaProducer.Close()

	// Initialize the billing gateway
	var base adapter.BillingGateway
	if cfg.StripeConfig.UseMock {
		base = adapter.NewMockGateway(zapLogger)
	} else {
		base = adapter.NewStripeGateway(cfg.StripeConfig.SecretKey, zapLogger)
	}
	gateway := adapter.NewRetryingGateway(metrics.InstrumentGateway(base, collector), adapter.RetryPolicy{
		CallTimeout: cfg.GatewayConfig.CallTimeout,
		MaxRetries:  cfg.GatewayConfig.MaxRetries,
		BaseBackoff: cfg.GatewayConfig.BaseBackoff,
	}, zapLogger)

	// Initialize repositories
	subRepo := repository.NewGormSubscriptionRepository(db)
	customerRepo := repository.NewGormCustomerRepository(db)
	chargeRepo := repository.NewGormChargeRepository(db)

	// Initialize application services
	locker := lock.NewRedisLocker(redisClient, zapLogger)
	manager := application.NewSubscriptionManager(subRepo, customerRepo, gateway, locker, kafkaProducer, zapLogger,
		application.WithMetrics(collector),
		application.WithLockTTL(cfg.LockTTL),
	)
	ledgerService := application.NewLedgerService(chargeRepo, zapLogger)

	rec := reconciler.New(subRepo, customerRepo, chargeRepo,
		reconciler.NewRedisEventLog(redisClient, cfg.WebhookEventTTL),
		kafkaProducer,
		zapLogger,
		reconciler.WithMetrics(collector),
		reconciler.WithLocker(locker, cfg.LockTTL),
	)

	// Initialize Kafka consumer for relayed provider webhooks
	consumerGroupID := cfg.KafkaConfig.GroupPrefix + "subscription-service"
	relayConsumer := subEvents.NewWebhookRelayConsumer(
		cfg.KafkaConfig.Brokers,
		consumerGroupID,
		rec,
		zapLogger,
	)
	defer relayConsumer.Close()

	// Start Kafka consumer in a goroutine
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		zapLogger.Info("starting webhook relay consumer")
		if err := relayConsumer.Start(consumerCtx); err != nil {
			if consumerCtx.Err() == nil {
				zapLogger.Error("webhook relay consumer failed", zap.Error(err))
			}
		}
	}()

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RecoveryMiddleware(zapLogger))
	router.Use(middleware.LoggerMiddleware(zapLogger))
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(collector.Middleware())

	// Register health check and metrics routes
	healthHandler := health.NewHandler(db, serviceName)
	healthHandler.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	healthHandler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	// Register API routes
	apiV1 := router.Group("/api/v1")
	handler.NewSubscriptionHandler(manager).RegisterRoutes(apiV1)
	handler.NewCustomerHandler(manager.Customers(), ledgerService).RegisterRoutes(apiV1)
	handler.NewAdminHandler(ledgerService, manager).RegisterRoutes(apiV1)
	handler.NewWebhookHandler(rec, cfg.StripeConfig.WebhookSecret, zapLogger).RegisterRoutes(apiV1)

	// Create HTTP server. The write timeout leaves room for a full gateway retry budget.
	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LockTTL,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		zapLogger.Info("HTTP server starting", zap.String("addr", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down " + serviceName + "...")

	// Cancel Kafka consumer
	consumerCancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info(serviceName + " stopped")
}
