package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
)

const assignmentColumns = `
	id, conversation_id, queue_id, agent_id, state, COALESCE(resolution, ''),
	assigned_at, first_response_at, resolved_at, created_at, updated_at
`

type PgAssignmentRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgAssignmentRepository(db *pgxpool.Pool, logger *slog.Logger) *PgAssignmentRepository {
	return &PgAssignmentRepository{db: db, logger: logger}
}

func (r *PgAssignmentRepository) Create(ctx context.Context, a *domain.Assignment) error {
	// The partial unique index on (conversation_id) WHERE state IN
	// ('waiting','active') enforces one open assignment per conversation.
	query := `
		INSERT INTO assignments
		    (id, conversation_id, queue_id, agent_id, state, resolution,
		     assigned_at, first_response_at, resolved_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		a.ID, a.ConversationID, a.QueueID, a.AgentID, a.State, string(a.Resolution),
		a.AssignedAt, a.FirstResponseAt, a.ResolvedAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating assignment", "error", err, "assignment_id", a.ID)
		return err
	}
	return nil
}

func (r *PgAssignmentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

func (r *PgAssignmentRepository) FindOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE conversation_id = $1 AND state IN ('waiting', 'active')
	`
	return r.scanOne(ctx, query, conversationID)
}

func (r *PgAssignmentRepository) Update(ctx context.Context, a *domain.Assignment) error {
	query := `
		UPDATE assignments
		SET agent_id = $1, state = $2, resolution = NULLIF($3, ''),
		    assigned_at = $4, first_response_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $8
	`
	tag, err := r.db.Exec(ctx, query,
		a.AgentID, a.State, string(a.Resolution),
		a.AssignedAt, a.FirstResponseAt, a.ResolvedAt, a.UpdatedAt, a.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating assignment", "error", err, "assignment_id", a.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAssignmentNotFound
	}
	return nil
}

func (r *PgAssignmentRepository) CountActiveByAgents(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = 0
	}

	query := `
		SELECT agent_id, COUNT(*)
		FROM assignments
		WHERE state = 'active' AND agent_id = ANY($1)
		GROUP BY agent_id
	`
	rows, err := r.db.Query(ctx, query, agentIDs)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting active assignments", "error", err)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var agentID uuid.UUID
		var count int
		if err := rows.Scan(&agentID, &count); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning active assignment count", "error", err)
			return nil, err
		}
		counts[agentID] = count
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating active assignment counts", "error", err)
		return nil, err
	}
	return counts, nil
}

func (r *PgAssignmentRepository) ListWaitingByQueue(ctx context.Context, queueID uuid.UUID) ([]*domain.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE queue_id = $1 AND state = 'waiting'
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, queueID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing waiting assignments", "error", err, "queue_id", queueID)
		return nil, err
	}
	defer rows.Close()

	var assignments []*domain.Assignment
	for rows.Next() {
		a := &domain.Assignment{}
		var resolution string
		if err := rows.Scan(
			&a.ID, &a.ConversationID, &a.QueueID, &a.AgentID, &a.State, &resolution,
			&a.AssignedAt, &a.FirstResponseAt, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning assignment row", "error", err, "queue_id", queueID)
			return nil, err
		}
		a.Resolution = domain.ResolutionType(resolution)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating assignment rows", "error", err, "queue_id", queueID)
		return nil, err
	}
	return assignments, nil
}

func (r *PgAssignmentRepository) scanOne(ctx context.Context, query string, args ...any) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	var resolution string
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&a.ID, &a.ConversationID, &a.QueueID, &a.AgentID, &a.State, &resolution,
		&a.AssignedAt, &a.FirstResponseAt, &a.ResolvedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAssignmentNotFound
		}
		r.logger.ErrorContext(ctx, "Error querying assignment", "error", err)
		return nil, err
	}
	a.Resolution = domain.ResolutionType(resolution)
	return a, nil
}
