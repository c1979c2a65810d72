package events

import (
	"context"
	"strings"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/reconciler"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PayloadHandler applies one raw provider event.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, payload []byte) (reconciler.Ack, error)
}

// WebhookRelayConsumer feeds provider events relayed over Kafka into the reconciler.
type WebhookRelayConsumer struct {
	consumer *kafka.Consumer
	handler  PayloadHandler
	logger   *zap.Logger
}

// NewWebhookRelayConsumer creates a consumer for relayed provider webhooks.
func NewWebhookRelayConsumer(
	brokers []string,
	groupID string,
	handler PayloadHandler,
	logger *zap.Logger,
) *WebhookRelayConsumer {
	consumer := kafka.NewConsumer(brokers, groupID, events.TopicProviderWebhooks, logger)
	return &WebhookRelayConsumer{
		consumer: consumer,
		handler:  handler,
		logger:   logger,
	}
}

// Start begins consuming relayed webhooks. It blocks until the context is cancelled.
func (c *WebhookRelayConsumer) Start(ctx context.Context) error {
	return c.consumer.Consume(ctx, c.handleMessage)
}

// handleMessage unwraps the CloudEvent and hands the provider payload to the reconciler.
// Messages that can never be applied are skipped; a reconciler error keeps the offset so the
// message is retried.
func (c *WebhookRelayConsumer) handleMessage(ctx context.Context, msg kafkago.Message) error {
	cloudEvent, err := kafka.ParseCloudEvent(msg.Value)
	if err != nil {
		c.logger.Error("failed to parse cloud event from webhook topic",
			zap.Error(err),
			zap.String("raw", string(msg.Value)),
		)
		return nil
	}

	if !strings.EqualFold(cloudEvent.Type, events.ProviderWebhookRelayed) {
		c.logger.Debug("ignoring unhandled webhook relay event type",
			zap.String("type", cloudEvent.Type),
		)
		return nil
	}

	ack, err := c.handler.HandlePayload(ctx, cloudEvent.Data)
	if err != nil {
		return err
	}
	c.logger.Info("relayed provider event handled",
		zap.String("id", cloudEvent.ID),
		zap.String("ack", string(ack)),
	)
	return nil
}

// Close closes the underlying Kafka consumer.
func (c *WebhookRelayConsumer) Close() error {
	return c.consumer.Close()
}
