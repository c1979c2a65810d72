//go:build integration

package main_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/database"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	subEvents "github.com/Kilat-Pet-Delivery/service-subscription/internal/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/lock"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/reconciler"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/repository"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// testInfra holds shared test infrastructure.
type testInfra struct {
	DB           *gorm.DB
	KafkaBrokers []string
	Cleanup      func()
}

// subscriptionStack holds wired-up subscription service components.
type subscriptionStack struct {
	Manager         *application.SubscriptionManager
	Gateway         *adapter.MockGateway
	Reconciler      *reconciler.Reconciler
	Consumer        *subEvents.WebhookRelayConsumer
	CleanupProducer func()
}

// setupContainers starts PostgreSQL and Kafka testcontainers, applies the migrations and
// returns a connected GORM DB.
func setupContainers(t *testing.T) *testInfra {
	t.Helper()
	ctx := context.Background()

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "test_subscription",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	require.NoError(t, err, "failed to start PostgreSQL container")

	pgHost, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=test password=test dbname=test_subscription sslmode=disable", pgHost, pgPort.Port())

	// Poll until GORM can actually connect and ping.
	var db *gorm.DB
	require.Eventually(t, func() bool {
		var err error
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
		if err != nil {
			return false
		}
		sqlDB, err := db.DB()
		if err != nil {
			return false
		}
		return sqlDB.Ping() == nil
	}, 30*time.Second, 1*time.Second, "PostgreSQL not ready for connections")

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/test_subscription?sslmode=disable", pgHost, pgPort.Port())
	require.NoError(t, database.RunMigrations(dbURL, zap.NewNop()))

	// Start Kafka container using confluent-local (supports KRaft natively).
	kafkaContainer, err := kafkamodule.Run(ctx, "confluentinc/confluent-local:7.5.0")
	require.NoError(t, err, "failed to start Kafka container")

	kafkaBrokers, err := kafkaContainer.Brokers(ctx)
	require.NoError(t, err, "failed to get Kafka brokers")

	createTopics(t, kafkaBrokers, events.TopicProviderWebhooks, events.TopicSubscriptionEvents, events.TopicBillingNotifications)

	cleanup := func() {
		if err := kafkaContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Kafka container: %v", err)
		}
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	}

	return &testInfra{
		DB:           db,
		KafkaBrokers: kafkaBrokers,
		Cleanup:      cleanup,
	}
}

// setupSubscriptionStack wires the manager and reconciler against real stores, the mock
// gateway and an in-memory Redis.
func setupSubscriptionStack(t *testing.T, db *gorm.DB, brokers []string) *subscriptionStack {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	subRepo := repository.NewGormSubscriptionRepository(db)
	customerRepo := repository.NewGormCustomerRepository(db)
	chargeRepo := repository.NewGormChargeRepository(db)
	gateway := adapter.NewMockGateway(logger)
	locker := lock.NewRedisLocker(redisClient, logger)
	producer := kafka.NewProducer(brokers, logger)

	manager := application.NewSubscriptionManager(subRepo, customerRepo, gateway, locker, producer, logger)
	rec := reconciler.New(subRepo, customerRepo, chargeRepo,
		reconciler.NewRedisEventLog(redisClient, time.Hour),
		producer,
		logger,
		reconciler.WithLocker(locker, time.Minute),
	)

	groupID := fmt.Sprintf("test-subscription-%s", uuid.New().String()[:8])
	consumer := subEvents.NewWebhookRelayConsumer(brokers, groupID, rec, logger)

	return &subscriptionStack{
		Manager:         manager,
		Gateway:         gateway,
		Reconciler:      rec,
		Consumer:        consumer,
		CleanupProducer: func() { _ = producer.Close() },
	}
}

// registerOwner creates an account with a provider customer and returns both ids.
func registerOwner(t *testing.T, stack *subscriptionStack) (uuid.UUID, string) {
	t.Helper()
	ctx := context.Background()
	dto, err := stack.Manager.Customers().Register(ctx, application.RegisterCustomerRequest{
		Email:      fmt.Sprintf("owner-%s@example.com", uuid.New().String()[:8]),
		Name:       "Integration Owner",
		TaxPercent: 6,
	})
	require.NoError(t, err)
	c, err := stack.Manager.Customers().EnsureRemoteCustomer(ctx, dto.ID)
	require.NoError(t, err)
	return c.ID(), c.ProviderCustomerID()
}

// providerEvent renders a provider webhook body.
func providerEvent(t *testing.T, id, eventType string, created time.Time, object map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return raw
}

// relayWebhook publishes a provider event the way the webhook gateway relays it.
func relayWebhook(t *testing.T, brokers []string, id string, body json.RawMessage) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	producer := kafka.NewProducer(brokers, logger)
	defer func() { _ = producer.Close() }()

	ce, err := kafka.NewCloudEventWithID(id, "webhook-gateway", events.ProviderWebhookRelayed, body)
	require.NoError(t, err, "failed to create cloud event")

	err = producer.PublishEvent(context.Background(), events.TopicProviderWebhooks, ce)
	require.NoError(t, err, "failed to publish event")
}

// waitForCharge polls the charges table until the charge has the expected status.
func waitForCharge(t *testing.T, db *gorm.DB, chargeRef, expectedStatus string, timeout time.Duration) repository.ChargeModel {
	t.Helper()
	var result repository.ChargeModel
	require.Eventually(t, func() bool {
		var model repository.ChargeModel
		if err := db.Where("provider_charge_id = ?", chargeRef).First(&model).Error; err != nil {
			return false
		}
		if model.Status == expectedStatus {
			result = model
			return true
		}
		return false
	}, timeout, 200*time.Millisecond, "charge did not reach %s", expectedStatus)
	return result
}

// loadSubscription reads the persisted row for id.
func loadSubscription(t *testing.T, db *gorm.DB, id uuid.UUID) repository.SubscriptionModel {
	t.Helper()
	var model repository.SubscriptionModel
	require.NoError(t, db.Where("id = ?", id).First(&model).Error)
	return model
}

// consumeEvents reads a Kafka topic until want events of the expected type were seen or the
// timeout passes, and returns what it saw.
func consumeEvents(t *testing.T, brokers []string, topic, expectedType string, want int, timeout time.Duration) []kafka.CloudEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	groupID := fmt.Sprintf("test-assert-%s", uuid.New().String()[:8])
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafkago.FirstOffset,
	})
	defer func() { _ = reader.Close() }()

	var seen []kafka.CloudEvent
	for len(seen) < want {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return seen
			}
			continue
		}
		ce, err := kafka.ParseCloudEvent(msg.Value)
		if err != nil {
			continue
		}
		if ce.Type == expectedType {
			seen = append(seen, ce)
		}
	}
	return seen
}

// createTopics pre-creates Kafka topics so producers don't fail with "Unknown Topic".
func createTopics(t *testing.T, brokers []string, topics ...string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers[0])
	require.NoError(t, err, "failed to dial Kafka for topic creation")
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err, "failed to get Kafka controller")

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err, "failed to connect to Kafka controller")
	defer controllerConn.Close()

	topicConfigs := make([]kafkago.TopicConfig, len(topics))
	for i, topic := range topics {
		topicConfigs[i] = kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		}
	}
	err = controllerConn.CreateTopics(topicConfigs...)
	require.NoError(t, err, "failed to create Kafka topics")

	// Give Kafka a moment to propagate topic metadata.
	time.Sleep(1 * time.Second)
}
