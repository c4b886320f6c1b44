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

type PgAgentStatusRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgAgentStatusRepository(db *pgxpool.Pool, logger *slog.Logger) *PgAgentStatusRepository {
	return &PgAgentStatusRepository{db: db, logger: logger}
}

func (r *PgAgentStatusRepository) Get(ctx context.Context, agentID uuid.UUID) (*domain.AgentStatus, error) {
	query := `
		SELECT agent_id, status, last_activity, auto_offline_minutes, updated_at
		FROM agent_statuses
		WHERE agent_id = $1
	`
	st := &domain.AgentStatus{}
	err := r.db.QueryRow(ctx, query, agentID).Scan(
		&st.AgentID, &st.Status, &st.LastActivity, &st.AutoOfflineMinutes, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAgentNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting agent status", "error", err, "agent_id", agentID)
		return nil, err
	}
	return st, nil
}

func (r *PgAgentStatusRepository) GetMany(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]*domain.AgentStatus, error) {
	query := `
		SELECT agent_id, status, last_activity, auto_offline_minutes, updated_at
		FROM agent_statuses
		WHERE agent_id = ANY($1)
	`
	rows, err := r.db.Query(ctx, query, agentIDs)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error getting agent statuses", "error", err)
		return nil, err
	}
	defer rows.Close()

	statuses := make(map[uuid.UUID]*domain.AgentStatus, len(agentIDs))
	for rows.Next() {
		st := &domain.AgentStatus{}
		if err := rows.Scan(&st.AgentID, &st.Status, &st.LastActivity, &st.AutoOfflineMinutes, &st.UpdatedAt); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning agent status row", "error", err)
			return nil, err
		}
		statuses[st.AgentID] = st
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating agent status rows", "error", err)
		return nil, err
	}
	return statuses, nil
}

func (r *PgAgentStatusRepository) Upsert(ctx context.Context, st *domain.AgentStatus) error {
	query := `
		INSERT INTO agent_statuses (agent_id, status, last_activity, auto_offline_minutes, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id) DO UPDATE
		SET status = EXCLUDED.status,
		    last_activity = EXCLUDED.last_activity,
		    auto_offline_minutes = EXCLUDED.auto_offline_minutes,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query,
		st.AgentID, st.Status, st.LastActivity, st.AutoOfflineMinutes, st.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error upserting agent status", "error", err, "agent_id", st.AgentID)
		return err
	}
	return nil
}

func (r *PgAgentStatusRepository) TouchActivity(ctx context.Context, agentID uuid.UUID, at time.Time) error {
	query := `UPDATE agent_statuses SET last_activity = $1, updated_at = $1 WHERE agent_id = $2`
	tag, err := r.db.Exec(ctx, query, at.UTC(), agentID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error touching agent activity", "error", err, "agent_id", agentID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

func (r *PgAgentStatusRepository) ListAutoOfflineCandidates(ctx context.Context, now time.Time) ([]*domain.AgentStatus, error) {
	query := `
		SELECT agent_id, status, last_activity, auto_offline_minutes, updated_at
		FROM agent_statuses
		WHERE status <> 'offline'
		  AND auto_offline_minutes > 0
		  AND last_activity + make_interval(mins => auto_offline_minutes) <= $1
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing auto-offline candidates", "error", err)
		return nil, err
	}
	defer rows.Close()

	var statuses []*domain.AgentStatus
	for rows.Next() {
		st := &domain.AgentStatus{}
		if err := rows.Scan(&st.AgentID, &st.Status, &st.LastActivity, &st.AutoOfflineMinutes, &st.UpdatedAt); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning auto-offline candidate", "error", err)
			return nil, err
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating auto-offline candidates", "error", err)
		return nil, err
	}
	return statuses, nil
}
