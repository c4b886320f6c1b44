package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignDraft     CampaignState = "draft"
	CampaignScheduled CampaignState = "scheduled"
	CampaignRunning   CampaignState = "running"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignCancelled CampaignState = "cancelled"
)

// Campaign is a bulk template send against a recipient set, dispatched in
// rate-limited batches. Counters are cached aggregates maintained by the
// dispatcher and the status listener; the per-message rows stay authoritative.
type Campaign struct {
	ID         uuid.UUID     `json:"id"`
	Name       string        `json:"name"`
	GatewayID  uuid.UUID     `json:"gateway_id"`
	State      CampaignState `json:"state"`
	Template   TemplateRef   `json:"template"`

	// RateLimit is messages per hour; 0 means unlimited.
	RateLimit int `json:"rate_limit"`
	// BatchSize caps how many messages one RunBatch call sends.
	BatchSize int `json:"batch_size"`
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration `json:"batch_delay"`

	PendingCount   int `json:"pending_count"`
	SentCount      int `json:"sent_count"`
	DeliveredCount int `json:"delivered_count"`
	ReadCount      int `json:"read_count"`
	FailedCount    int `json:"failed_count"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TemplateRef names the pre-approved template a campaign sends.
type TemplateRef struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// SendInterval is the pacing gap between consecutive sends derived from the
// rate limit. Zero when the campaign is unlimited.
func (c *Campaign) SendInterval() time.Duration {
	if c.RateLimit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Hour) / float64(c.RateLimit))
}

// CanPrepare reports whether the recipient set may still be rebuilt.
// Preparation is rejected once dispatch has begun: rebuilding the pending set
// under a running dispatcher would double-send.
func (c *Campaign) CanPrepare() bool {
	return c.State == CampaignDraft || c.State == CampaignScheduled
}

// CanStart reports whether the campaign may transition to running.
func (c *Campaign) CanStart() bool {
	return c.State == CampaignDraft || c.State == CampaignScheduled || c.State == CampaignPaused
}

// IsTerminal reports whether the campaign can never dispatch again.
func (c *Campaign) IsTerminal() bool {
	return c.State == CampaignCompleted || c.State == CampaignCancelled
}
