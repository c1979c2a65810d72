// Package events defines the topics, CloudEvent types and payloads exchanged with other services.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topics.
const (
	TopicSubscriptionEvents   = "subscription.events"
	TopicBillingNotifications = "billing.notifications"
	// TopicProviderWebhooks carries raw provider events relayed by the webhook gateway.
	TopicProviderWebhooks = "billing.provider.webhooks"
)

// Source is the CloudEvent source of everything this service publishes.
const Source = "service-subscription"

// Lifecycle event types on TopicSubscriptionEvents.
const (
	SubscriptionCreated         = "subscription.created"
	SubscriptionQuantityUpdated = "subscription.quantity_updated"
	SubscriptionPlanSwapped     = "subscription.plan_swapped"
	SubscriptionCancelled       = "subscription.cancelled"
	SubscriptionCancelledNow    = "subscription.cancelled_now"
	SubscriptionReactivated     = "subscription.reactivated"
	SubscriptionResumed         = "subscription.resumed"
	SubscriptionTaxSynced       = "subscription.tax_synced"
	SubscriptionSynced          = "subscription.synced"
)

// ProviderWebhookRelayed is the type of relayed provider events on TopicProviderWebhooks. The
// CloudEvent data is the provider's event body, unchanged.
const ProviderWebhookRelayed = "billing.provider.webhook"

// Notification types on TopicBillingNotifications.
const (
	NotificationChargePending   = "billing.charge.pending"
	NotificationChargeFailed    = "billing.charge.failed"
	NotificationChargeSucceeded = "billing.charge.succeeded"
	NotificationTrialWillEnd    = "billing.trial_will_end"
)

// SubscriptionEvent describes a subscription after a confirmed change.
type SubscriptionEvent struct {
	SubscriptionID uuid.UUID  `json:"subscription_id"`
	ProviderID     string     `json:"provider_id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	Plan           string     `json:"plan"`
	Quantity       int64      `json:"quantity"`
	Status         string     `json:"status"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// ChargeNotification tells the owner about a charge reported by the provider.
type ChargeNotification struct {
	EventID        string    `json:"event_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	ChargeID       string    `json:"charge_id"`
	AmountCents    int64     `json:"amount_cents"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	FailureMessage string    `json:"failure_message,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TrialWillEndNotification warns the owner that a trial is about to end.
type TrialWillEndNotification struct {
	EventID        string     `json:"event_id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	ProviderID     string     `json:"provider_id"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
}
