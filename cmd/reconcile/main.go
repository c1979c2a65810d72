// Command reconcile periodically compares every unended subscription with the provider and
// repairs local records that drifted, for example after a local write failed.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/database"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/logger"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/config"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/repository"
)

func main() {
	once := pflag.Bool("once", false, "run a single sweep and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewNamed(cfg.AppEnv, "subscription-reconcile")
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.Connect(cfg.DBConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Addr,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
	})
	defer redisClient.Close()

	kafkaProducer := kafka.NewProducer(cfg.KafkaConfig.Brokers, zapLogger)
	defer kafkaProducer.Close()

	var base adapter.BillingGateway
	if cfg.StripeConfig.UseMock {
		base = adapter.NewMockGateway(zapLogger)
	} else {
		base = adapter.NewStripeGateway(cfg.StripeConfig.SecretKey, zapLogger)
	}
	gateway := adapter.NewRetryingGateway(base, adapter.RetryPolicy{
		CallTimeout: cfg.GatewayConfig.CallTimeout,
		MaxRetries:  cfg.GatewayConfig.MaxRetries,
		BaseBackoff: cfg.GatewayConfig.BaseBackoff,
	}, zapLogger)

	manager := application.NewSubscriptionManager(
		repository.NewGormSubscriptionRepository(db),
		repository.NewGormCustomerRepository(db),
		gateway,
		lock.NewRedisLocker(redisClient, zapLogger),
		kafkaProducer,
		zapLogger,
		application.WithLockTTL(cfg.LockTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweep := func() {
		started := time.Now()
		res, err := manager.ReconcileSweep(ctx)
		fields := []zap.Field{
			zap.Int("checked", res.Checked),
			zap.Int("repaired", res.Repaired),
			zap.Int("failed", res.Failed),
			zap.Duration("took", time.Since(started)),
		}
		if err != nil {
			zapLogger.Error("reconciliation sweep aborted", append(fields, zap.Error(err))...)
			return
		}
		zapLogger.Info("reconciliation sweep finished", fields...)
	}

	sweep()
	if *once {
		return
	}

	zapLogger.Info("reconciling periodically", zap.Duration("interval", cfg.SweepInterval))
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zapLogger.Info("reconcile stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
