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

type PgMessageRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgMessageRepository(db Querier, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger}
}

// Create persists the message and its attachments in one transaction so a
// retried webhook never sees a half-written message on the dedup lookup.
func (r *PgMessageRepository) Create(ctx context.Context, msg *domain.StoredMessage) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error starting message transaction", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO messages (id, conversation_id, provider_message_id, direction, kind, body,
		                      author_ref, reply_to_id, relay_of_id, sent_at, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = tx.Exec(ctx, query,
		msg.ID, msg.ConversationID, msg.ProviderMessageID, msg.Direction, msg.Kind,
		msg.Body, msg.AuthorRef, msg.ReplyToID, msg.RelayOfID, msg.SentAt, msg.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating message", "error", err, "message_id", msg.ID)
		return err
	}

	for _, att := range msg.Attachments {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_attachments (id, message_id, name, mime_type, data) VALUES ($1, $2, $3, $4, $5)`,
			uuid.New(), msg.ID, att.Name, att.MimeType, att.Data,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error creating message attachment", "error", err, "message_id", msg.ID)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Error committing message transaction", "error", err, "message_id", msg.ID)
		return err
	}
	return nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.StoredMessage, error) {
	query := `
		SELECT id, conversation_id, COALESCE(provider_message_id, ''), direction, kind, body,
		       author_ref, reply_to_id, relay_of_id, sent_at, created_at
		FROM messages
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

func (r *PgMessageRepository) FindByProviderID(ctx context.Context, providerMessageID string) (*domain.StoredMessage, error) {
	query := `
		SELECT id, conversation_id, COALESCE(provider_message_id, ''), direction, kind, body,
		       author_ref, reply_to_id, relay_of_id, sent_at, created_at
		FROM messages
		WHERE provider_message_id = $1
	`
	return r.scanOne(ctx, query, providerMessageID)
}

func (r *PgMessageRepository) SetProviderMessageID(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	query := `UPDATE messages SET provider_message_id = $1 WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, providerMessageID, id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error setting provider message id", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

func (r *PgMessageRepository) scanOne(ctx context.Context, query string, args ...any) (*domain.StoredMessage, error) {
	msg := &domain.StoredMessage{}
	var sentAt, createdAt time.Time
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&msg.ID, &msg.ConversationID, &msg.ProviderMessageID, &msg.Direction, &msg.Kind,
		&msg.Body, &msg.AuthorRef, &msg.ReplyToID, &msg.RelayOfID, &sentAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		r.logger.ErrorContext(ctx, "Error querying message", "error", err)
		return nil, err
	}
	msg.SentAt = sentAt
	msg.CreatedAt = createdAt
	return msg, nil
}
