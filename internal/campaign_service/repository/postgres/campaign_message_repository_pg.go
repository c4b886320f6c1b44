package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
)

type PgCampaignMessageRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgCampaignMessageRepository(db *pgxpool.Pool, logger *slog.Logger) *PgCampaignMessageRepository {
	return &PgCampaignMessageRepository{db: db, logger: logger}
}

// BulkCreate inserts rows inside one transaction. ON CONFLICT DO NOTHING on
// the (campaign_id, recipient) key makes re-preparing idempotent for
// recipients that already have a row.
func (r *PgCampaignMessageRepository) BulkCreate(ctx context.Context, msgs []*domain.CampaignMessage) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error starting bulk create transaction", "error", err)
		return 0, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO campaign_messages
		    (id, campaign_id, recipient, variables, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (campaign_id, recipient) DO NOTHING
	`
	inserted := 0
	for _, msg := range msgs {
		varsJSON, err := json.Marshal(msg.Variables)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error marshaling campaign message variables", "error", err, "campaign_message_id", msg.ID)
			return 0, err
		}
		tag, err := tx.Exec(ctx, query,
			msg.ID, msg.CampaignID, msg.Recipient, varsJSON, msg.State, msg.CreatedAt, msg.UpdatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error inserting campaign message", "error", err, "campaign_id", msg.CampaignID)
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "Error committing bulk create transaction", "error", err)
		return 0, err
	}
	return inserted, nil
}

func (r *PgCampaignMessageRepository) DeletePending(ctx context.Context, campaignID uuid.UUID) error {
	query := `DELETE FROM campaign_messages WHERE campaign_id = $1 AND state = 'pending'`
	_, err := r.db.Exec(ctx, query, campaignID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error deleting pending campaign messages", "error", err, "campaign_id", campaignID)
		return err
	}
	return nil
}

// SelectPendingBatch returns the oldest pending rows. Concurrent dispatch is
// prevented by the campaign claim, not here; row locks would not outlive
// this statement anyway.
func (r *PgCampaignMessageRepository) SelectPendingBatch(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.CampaignMessage, error) {
	query := `
		SELECT id, campaign_id, recipient, variables, state,
		       COALESCE(provider_message_id, ''), COALESCE(error_message, ''),
		       sent_at, created_at, updated_at
		FROM campaign_messages
		WHERE campaign_id = $1 AND state = 'pending'
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, campaignID, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error selecting pending campaign messages", "error", err, "campaign_id", campaignID)
		return nil, err
	}
	defer rows.Close()

	var msgs []*domain.CampaignMessage
	for rows.Next() {
		msg, err := scanCampaignMessage(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning campaign message row", "error", err, "campaign_id", campaignID)
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating campaign message rows", "error", err, "campaign_id", campaignID)
		return nil, err
	}
	return msgs, nil
}

func (r *PgCampaignMessageRepository) Update(ctx context.Context, msg *domain.CampaignMessage) error {
	query := `
		UPDATE campaign_messages
		SET state = $1, provider_message_id = NULLIF($2, ''), error_message = NULLIF($3, ''),
		    sent_at = $4, updated_at = $5
		WHERE id = $6
	`
	tag, err := r.db.Exec(ctx, query,
		msg.State, msg.ProviderMessageID, msg.ErrorMessage, msg.SentAt, msg.UpdatedAt, msg.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating campaign message", "error", err, "campaign_message_id", msg.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignMessageNotFound
	}
	return nil
}

func (r *PgCampaignMessageRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.CampaignMessage, error) {
	query := `
		SELECT id, campaign_id, recipient, variables, state,
		       COALESCE(provider_message_id, ''), COALESCE(error_message, ''),
		       sent_at, created_at, updated_at
		FROM campaign_messages
		WHERE provider_message_id = $1
	`
	msg, err := scanCampaignMessage(r.db.QueryRow(ctx, query, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCampaignMessageNotFound
		}
		r.logger.ErrorContext(ctx, "Error finding campaign message by provider id", "error", err, "provider_message_id", providerMessageID)
		return nil, err
	}
	return msg, nil
}

func (r *PgCampaignMessageRepository) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM campaign_messages WHERE campaign_id = $1 AND state = 'pending'`
	var count int
	if err := r.db.QueryRow(ctx, query, campaignID).Scan(&count); err != nil {
		r.logger.ErrorContext(ctx, "Error counting pending campaign messages", "error", err, "campaign_id", campaignID)
		return 0, err
	}
	return count, nil
}

func scanCampaignMessage(row pgx.Row) (*domain.CampaignMessage, error) {
	msg := &domain.CampaignMessage{}
	var varsJSON []byte
	err := row.Scan(
		&msg.ID, &msg.CampaignID, &msg.Recipient, &varsJSON, &msg.State,
		&msg.ProviderMessageID, &msg.ErrorMessage, &msg.SentAt, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &msg.Variables); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
