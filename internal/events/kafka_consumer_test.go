package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/kafka"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/proto/events"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/reconciler"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubHandler struct {
	payloads [][]byte
	err      error
}

func (h *stubHandler) HandlePayload(_ context.Context, payload []byte) (reconciler.Ack, error) {
	h.payloads = append(h.payloads, payload)
	if h.err != nil {
		return "", h.err
	}
	return reconciler.AckProcessed, nil
}

func relayed(t *testing.T, eventType string, body string) kafkago.Message {
	t.Helper()
	ce, err := kafka.NewCloudEventWithID("evt_1", "webhook-gateway", eventType, json.RawMessage(body))
	require.NoError(t, err)
	value, err := json.Marshal(ce)
	require.NoError(t, err)
	return kafkago.Message{Topic: events.TopicProviderWebhooks, Value: value}
}

func TestHandleMessage_ForwardsProviderPayload(t *testing.T) {
	h := &stubHandler{}
	c := &WebhookRelayConsumer{handler: h, logger: zap.NewNop()}
	body := `{"id":"evt_1","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`

	require.NoError(t, c.handleMessage(context.Background(), relayed(t, events.ProviderWebhookRelayed, body)))

	require.Len(t, h.payloads, 1)
	assert.JSONEq(t, body, string(h.payloads[0]))
}

func TestHandleMessage_ReturnsHandlerErrors(t *testing.T) {
	h := &stubHandler{err: errors.New("store unavailable")}
	c := &WebhookRelayConsumer{handler: h, logger: zap.NewNop()}

	err := c.handleMessage(context.Background(), relayed(t, events.ProviderWebhookRelayed, `{}`))
	assert.EqualError(t, err, "store unavailable")
}

func TestHandleMessage_SkipsUnusableMessages(t *testing.T) {
	h := &stubHandler{}
	c := &WebhookRelayConsumer{handler: h, logger: zap.NewNop()}

	require.NoError(t, c.handleMessage(context.Background(), kafkago.Message{Value: []byte("not json")}))
	require.NoError(t, c.handleMessage(context.Background(), relayed(t, "booking.created", `{}`)))
	assert.Empty(t, h.payloads)
}
