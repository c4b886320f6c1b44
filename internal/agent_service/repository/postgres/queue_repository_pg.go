package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
)

type PgQueueRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgQueueRepository(db *pgxpool.Pool, logger *slog.Logger) *PgQueueRepository {
	return &PgQueueRepository{db: db, logger: logger}
}

func (r *PgQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	query := `
		SELECT id, gateway_id, name, method, agent_ids, max_conversations_per_agent,
		       last_assigned_agent_id, created_at, updated_at
		FROM queues
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

func (r *PgQueueRepository) FindDefaultByGateway(ctx context.Context, gatewayID uuid.UUID) (*domain.Queue, error) {
	query := `
		SELECT id, gateway_id, name, method, agent_ids, max_conversations_per_agent,
		       last_assigned_agent_id, created_at, updated_at
		FROM queues
		WHERE gateway_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`
	return r.scanOne(ctx, query, gatewayID)
}

func (r *PgQueueRepository) SetLastAssigned(ctx context.Context, queueID uuid.UUID, agentID uuid.UUID) error {
	query := `UPDATE queues SET last_assigned_agent_id = $1, updated_at = $2 WHERE id = $3`
	tag, err := r.db.Exec(ctx, query, agentID, time.Now().UTC(), queueID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating round-robin pointer", "error", err, "queue_id", queueID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

func (r *PgQueueRepository) scanOne(ctx context.Context, query string, args ...any) (*domain.Queue, error) {
	q := &domain.Queue{}
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&q.ID, &q.GatewayID, &q.Name, &q.Method, &q.AgentIDs,
		&q.MaxConversationsPerAgent, &q.LastAssignedAgentID, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		r.logger.ErrorContext(ctx, "Error querying queue", "error", err)
		return nil, err
	}
	return q, nil
}
