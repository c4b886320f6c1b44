package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

type PgConversationRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgConversationRepository(db Querier, logger *slog.Logger) *PgConversationRepository {
	return &PgConversationRepository{db: db, logger: logger}
}

func (r *PgConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	query := `
		INSERT INTO conversations (id, gateway_id, contact_token, contact_name, last_customer_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		conv.ID, conv.GatewayID, conv.ContactToken, conv.ContactName,
		conv.LastCustomerMessageAt, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating conversation", "error", err, "conversation_id", conv.ID)
		return err
	}
	r.logger.InfoContext(ctx, "Conversation created", "conversation_id", conv.ID, "gateway_id", conv.GatewayID)
	return nil
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, gateway_id, contact_token, contact_name, last_customer_message_at, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

func (r *PgConversationRepository) FindByContact(ctx context.Context, gatewayID uuid.UUID, contactToken string) (*domain.Conversation, error) {
	query := `
		SELECT id, gateway_id, contact_token, contact_name, last_customer_message_at, created_at, updated_at
		FROM conversations
		WHERE gateway_id = $1 AND contact_token = $2
	`
	return r.scanOne(ctx, query, gatewayID, contactToken)
}

func (r *PgConversationRepository) SetLastCustomerMessageAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE conversations SET last_customer_message_at = $1, updated_at = $2 WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating last customer message timestamp", "error", err, "conversation_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConversationNotFound
	}
	return nil
}

func (r *PgConversationRepository) scanOne(ctx context.Context, query string, args ...any) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&conv.ID, &conv.GatewayID, &conv.ContactToken, &conv.ContactName,
		&conv.LastCustomerMessageAt, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		r.logger.ErrorContext(ctx, "Error querying conversation", "error", err)
		return nil, err
	}
	return conv, nil
}
