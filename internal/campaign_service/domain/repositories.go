package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CampaignRepository stores campaigns and owns the dispatch claim.
type CampaignRepository interface {
	Create(ctx context.Context, c *Campaign) error
	GetByID(ctx context.Context, id uuid.UUID) (*Campaign, error)
	Update(ctx context.Context, c *Campaign) error

	// UpdateState flips the lifecycle state only when the campaign is
	// currently in one of the expected states; returns
	// ErrInvalidStateTransition otherwise. Conditional so concurrent control
	// calls cannot race each other.
	UpdateState(ctx context.Context, id uuid.UUID, from []CampaignState, to CampaignState) error

	// TryClaim atomically takes the single-flight dispatch claim for a
	// running campaign. Returns ErrAlreadyClaimed when another worker holds
	// it, ErrInvalidStateTransition when the campaign is not running.
	TryClaim(ctx context.Context, id uuid.UUID) error
	// ReleaseClaim drops the dispatch claim and records the next due time
	// (nil when the campaign finished or stopped).
	ReleaseClaim(ctx context.Context, id uuid.UUID, nextRunAt *time.Time) error

	// AcquireDue returns campaigns ready for dispatch: running with
	// next_run_at due, plus scheduled ones whose scheduled_at has passed.
	AcquireDue(ctx context.Context, now time.Time, limit int) ([]*Campaign, error)

	// RefreshCounters recomputes the cached per-state counters from the
	// campaign_messages rows.
	RefreshCounters(ctx context.Context, id uuid.UUID) (*Campaign, error)
}

// CampaignMessageRepository stores the per-recipient rows.
type CampaignMessageRepository interface {
	// BulkCreate inserts rows, skipping recipients that already have a row
	// for the campaign. Returns the number actually inserted.
	BulkCreate(ctx context.Context, msgs []*CampaignMessage) (int, error)
	// DeletePending removes the not-yet-sent rows ahead of a re-prepare.
	DeletePending(ctx context.Context, campaignID uuid.UUID) error

	// SelectPendingBatch returns up to limit of the oldest pending rows for
	// the campaign. Callers must hold the campaign claim; the selection
	// itself does not guard against concurrent dispatch.
	SelectPendingBatch(ctx context.Context, campaignID uuid.UUID, limit int) ([]*CampaignMessage, error)
	Update(ctx context.Context, msg *CampaignMessage) error
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*CampaignMessage, error)
	CountPending(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// ContactRepository resolves filter-based campaign audiences.
type ContactRepository interface {
	Create(ctx context.Context, ct *Contact) error
	GetByID(ctx context.Context, id uuid.UUID) (*Contact, error)
	FindByFilter(ctx context.Context, filter *ContactFilter) ([]*Contact, error)
}

// LeadSearcher resolves lead-search campaign audiences against an external
// lead store, typically a CRM.
type LeadSearcher interface {
	Search(ctx context.Context, query *LeadQuery) ([]*Lead, error)
}
