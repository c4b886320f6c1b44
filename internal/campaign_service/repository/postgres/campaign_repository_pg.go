package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
)

const campaignColumns = `
	id, name, gateway_id, state, template_name, template_language,
	rate_limit, batch_size, batch_delay_seconds,
	pending_count, sent_count, delivered_count, read_count, failed_count,
	scheduled_at, next_run_at, started_at, completed_at, created_at, updated_at
`

type PgCampaignRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgCampaignRepository(db *pgxpool.Pool, logger *slog.Logger) *PgCampaignRepository {
	return &PgCampaignRepository{db: db, logger: logger}
}

func (r *PgCampaignRepository) Create(ctx context.Context, c *domain.Campaign) error {
	query := `
		INSERT INTO campaigns (` + campaignColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := r.db.Exec(ctx, query,
		c.ID, c.Name, c.GatewayID, c.State, c.Template.Name, c.Template.Language,
		c.RateLimit, c.BatchSize, int(c.BatchDelay.Seconds()),
		c.PendingCount, c.SentCount, c.DeliveredCount, c.ReadCount, c.FailedCount,
		c.ScheduledAt, c.NextRunAt, c.StartedAt, c.CompletedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating campaign", "error", err, "campaign_id", c.ID)
		return err
	}
	return nil
}

func (r *PgCampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *PgCampaignRepository) Update(ctx context.Context, c *domain.Campaign) error {
	query := `
		UPDATE campaigns
		SET name = $1, state = $2, template_name = $3, template_language = $4,
		    rate_limit = $5, batch_size = $6, batch_delay_seconds = $7,
		    scheduled_at = $8, next_run_at = $9, started_at = $10, completed_at = $11,
		    updated_at = $12
		WHERE id = $13
	`
	c.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, query,
		c.Name, c.State, c.Template.Name, c.Template.Language,
		c.RateLimit, c.BatchSize, int(c.BatchDelay.Seconds()),
		c.ScheduledAt, c.NextRunAt, c.StartedAt, c.CompletedAt, c.UpdatedAt, c.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating campaign", "error", err, "campaign_id", c.ID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

// UpdateState flips state conditionally. StartedAt stamps on the first move
// to running, CompletedAt on the move to completed.
func (r *PgCampaignRepository) UpdateState(ctx context.Context, id uuid.UUID, from []domain.CampaignState, to domain.CampaignState) error {
	query := `
		UPDATE campaigns
		SET state = $1,
		    started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $2 ELSE started_at END,
		    completed_at = CASE WHEN $1 = 'completed' THEN $2 ELSE completed_at END,
		    next_run_at = CASE WHEN $1 = 'running' THEN $2 ELSE next_run_at END,
		    updated_at = $2
		WHERE id = $3 AND state = ANY($4)
	`
	fromStates := make([]string, len(from))
	for i, s := range from {
		fromStates[i] = string(s)
	}

	tag, err := r.db.Exec(ctx, query, to, time.Now().UTC(), id, fromStates)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating campaign state", "error", err, "campaign_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the campaign does not exist or it is not in an allowed
		// state; disambiguate for the caller.
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return gerr
		}
		return domain.ErrInvalidStateTransition
	}
	r.logger.InfoContext(ctx, "Campaign state updated", "campaign_id", id, "state", string(to))
	return nil
}

// TryClaim takes the dispatch claim with one conditional update. Exactly one
// concurrent worker wins; everyone else sees zero rows affected.
func (r *PgCampaignRepository) TryClaim(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE campaigns
		SET processing = TRUE, updated_at = $1
		WHERE id = $2 AND state = 'running' AND processing = FALSE
	`
	tag, err := r.db.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming campaign", "error", err, "campaign_id", id)
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.State != domain.CampaignRunning {
		return domain.ErrInvalidStateTransition
	}
	return domain.ErrAlreadyClaimed
}

func (r *PgCampaignRepository) ReleaseClaim(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error {
	query := `
		UPDATE campaigns
		SET processing = FALSE, next_run_at = $1, updated_at = $2
		WHERE id = $3
	`
	tag, err := r.db.Exec(ctx, query, nextRunAt, time.Now().UTC(), id)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error releasing campaign claim", "error", err, "campaign_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

func (r *PgCampaignRepository) AcquireDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE (state = 'running' AND processing = FALSE AND next_run_at IS NOT NULL AND next_run_at <= $1)
		   OR (state = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1)
		ORDER BY COALESCE(next_run_at, scheduled_at) ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error acquiring due campaigns", "error", err)
		return nil, err
	}
	defer rows.Close()

	var campaigns []*domain.Campaign
	for rows.Next() {
		c, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating due campaign rows", "error", err)
		return nil, err
	}
	return campaigns, nil
}

// RefreshCounters recomputes the cached aggregates from the message rows in
// one statement and returns the refreshed campaign.
func (r *PgCampaignRepository) RefreshCounters(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `
		UPDATE campaigns c
		SET pending_count   = agg.pending,
		    sent_count      = agg.sent,
		    delivered_count = agg.delivered,
		    read_count      = agg.read,
		    failed_count    = agg.failed,
		    updated_at      = $2
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE state = 'pending')   AS pending,
				COUNT(*) FILTER (WHERE state = 'sent')      AS sent,
				COUNT(*) FILTER (WHERE state = 'delivered') AS delivered,
				COUNT(*) FILTER (WHERE state = 'read')      AS read,
				COUNT(*) FILTER (WHERE state = 'failed')    AS failed
			FROM campaign_messages
			WHERE campaign_id = $1
		) agg
		WHERE c.id = $1
		RETURNING ` + campaignColumns + `
	`
	c, err := r.scanOne(r.db.QueryRow(ctx, query, id, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, domain.ErrCampaignNotFound) {
			return nil, err
		}
		r.logger.ErrorContext(ctx, "Error refreshing campaign counters", "error", err, "campaign_id", id)
		return nil, err
	}
	return c, nil
}

func (r *PgCampaignRepository) scanOne(row pgx.Row) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var batchDelaySecs int
	err := row.Scan(
		&c.ID, &c.Name, &c.GatewayID, &c.State, &c.Template.Name, &c.Template.Language,
		&c.RateLimit, &c.BatchSize, &batchDelaySecs,
		&c.PendingCount, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount,
		&c.ScheduledAt, &c.NextRunAt, &c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, err
	}
	c.BatchDelay = time.Duration(batchDelaySecs) * time.Second
	return c, nil
}
