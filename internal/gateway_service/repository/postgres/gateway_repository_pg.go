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

type PgGatewayRepository struct {
	db     Querier
	logger *slog.Logger
}

func NewPgGatewayRepository(db Querier, logger *slog.Logger) *PgGatewayRepository {
	return &PgGatewayRepository{db: db, logger: logger}
}

func (r *PgGatewayRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Gateway, error) {
	query := `
		SELECT id, name, type, token, phone_number_id, instance_name, api_url,
		       webhook_secret, verify_token, webhook_state, created_at, updated_at
		FROM gateways
		WHERE id = $1
	`
	gw := &domain.Gateway{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&gw.ID, &gw.Name, &gw.Type, &gw.Token, &gw.PhoneNumberID, &gw.InstanceName,
		&gw.APIURL, &gw.WebhookSecret, &gw.VerifyToken, &gw.WebhookState,
		&gw.CreatedAt, &gw.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGatewayNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting gateway by ID", "error", err, "gateway_id", id)
		return nil, err
	}
	return gw, nil
}

func (r *PgGatewayRepository) UpdateWebhookState(ctx context.Context, id uuid.UUID, state domain.WebhookState) error {
	query := `UPDATE gateways SET webhook_state = $1, updated_at = $2 WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, state, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating gateway webhook state", "error", err, "gateway_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrGatewayNotFound
	}
	r.logger.InfoContext(ctx, "Gateway webhook state updated", "gateway_id", id, "state", string(state))
	return nil
}
