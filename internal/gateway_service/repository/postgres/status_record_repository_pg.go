package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

type PgStatusRecordRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgStatusRecordRepository(db Querier, logger *slog.Logger) *PgStatusRecordRepository {
	return &PgStatusRecordRepository{db: db, logger: logger}
}

func (r *PgStatusRecordRepository) Create(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	query := `
		INSERT INTO delivery_status_records
		    (id, provider_message_id, conversation_id, recipient, status,
		     sent_at, delivered_at, read_at, failed_at, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	errJSON, err := marshalStatusError(rec.Error)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling status error", "error", err, "provider_message_id", rec.ProviderMessageID)
		return err
	}

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.ProviderMessageID, rec.ConversationID, rec.Recipient, rec.Status,
		rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FailedAt, errJSON,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating delivery status record", "error", err, "provider_message_id", rec.ProviderMessageID)
		return err
	}
	return nil
}

func (r *PgStatusRecordRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryStatusRecord, error) {
	query := `
		SELECT id, provider_message_id, conversation_id, recipient, status,
		       sent_at, delivered_at, read_at, failed_at, error, created_at, updated_at
		FROM delivery_status_records
		WHERE provider_message_id = $1
	`
	rec := &core_domain.DeliveryStatusRecord{}
	var errJSON []byte
	err := r.db.QueryRow(ctx, query, providerMessageID).Scan(
		&rec.ID, &rec.ProviderMessageID, &rec.ConversationID, &rec.Recipient, &rec.Status,
		&rec.SentAt, &rec.DeliveredAt, &rec.ReadAt, &rec.FailedAt, &errJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrStatusRecordNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting delivery status record", "error", err, "provider_message_id", providerMessageID)
		return nil, err
	}
	if len(errJSON) > 0 {
		rec.Error = &core_domain.StatusError{}
		if err := json.Unmarshal(errJSON, rec.Error); err != nil {
			r.logger.ErrorContext(ctx, "Error unmarshaling status error", "error", err, "provider_message_id", providerMessageID)
			return nil, err
		}
	}
	return rec, nil
}

func (r *PgStatusRecordRepository) Update(ctx context.Context, rec *core_domain.DeliveryStatusRecord) error {
	query := `
		UPDATE delivery_status_records
		SET status = $1, sent_at = $2, delivered_at = $3, read_at = $4, failed_at = $5,
		    error = $6, updated_at = $7
		WHERE id = $8
	`
	errJSON, err := marshalStatusError(rec.Error)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling status error for update", "error", err, "provider_message_id", rec.ProviderMessageID)
		return err
	}

	tag, err := r.db.Exec(ctx, query,
		rec.Status, rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FailedAt,
		errJSON, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating delivery status record", "error", err, "provider_message_id", rec.ProviderMessageID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStatusRecordNotFound
	}
	return nil
}

func marshalStatusError(se *core_domain.StatusError) ([]byte, error) {
	if se == nil {
		return nil, nil
	}
	return json.Marshal(se)
}
