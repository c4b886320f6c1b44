package domain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/core_domain"
)

// GatewayRepository resolves gateway configuration.
type GatewayRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Gateway, error)
	UpdateWebhookState(ctx context.Context, id uuid.UUID, state WebhookState) error
}

// ConversationRepository stores conversations. FindByContact looks up the
// (gateway, contact token) identity.
type ConversationRepository interface {
	Create(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conversation, error)
	FindByContact(ctx context.Context, gatewayID uuid.UUID, contactToken string) (*Conversation, error)
	SetLastCustomerMessageAt(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MessageStore is the external message-store collaborator. Materialized
// messages live here; FindByProviderID doubles as the webhook dedup check and
// the reply/reaction target lookup.
type MessageStore interface {
	Create(ctx context.Context, msg *StoredMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredMessage, error)
	FindByProviderID(ctx context.Context, providerMessageID string) (*StoredMessage, error)
	SetProviderMessageID(ctx context.Context, id uuid.UUID, providerMessageID string) error
}

// StatusRecordRepository stores delivery status records keyed by provider
// message id.
type StatusRecordRepository interface {
	Create(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryStatusRecord, error)
	Update(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error
}
