package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignMessageState tracks one recipient's message through dispatch and
// the provider's delivery callbacks.
type CampaignMessageState string

const (
	CampaignMessagePending   CampaignMessageState = "pending"
	CampaignMessageSent      CampaignMessageState = "sent"
	CampaignMessageDelivered CampaignMessageState = "delivered"
	CampaignMessageRead      CampaignMessageState = "read"
	CampaignMessageFailed    CampaignMessageState = "failed"
)

// rank orders the happy-path states for monotonic upgrades.
func (s CampaignMessageState) rank() int {
	switch s {
	case CampaignMessagePending:
		return 0
	case CampaignMessageSent:
		return 1
	case CampaignMessageDelivered:
		return 2
	case CampaignMessageRead:
		return 3
	default:
		return -1
	}
}

// CanAdvanceTo reports whether the message may move to next. Failed is
// terminal: a late read callback never reopens a failed campaign message.
func (s CampaignMessageState) CanAdvanceTo(next CampaignMessageState) bool {
	if s == CampaignMessageFailed {
		return false
	}
	if next == CampaignMessageFailed {
		return s == CampaignMessageSent || s == CampaignMessageDelivered
	}
	return next.rank() > s.rank()
}

// CampaignMessage is one (campaign, recipient) row. The pair is the identity:
// preparing a campaign twice never yields two rows for the same recipient.
type CampaignMessage struct {
	ID                uuid.UUID            `json:"id"`
	CampaignID        uuid.UUID            `json:"campaign_id"`
	Recipient         string               `json:"recipient"`
	Variables         map[string]string    `json:"variables,omitempty"`
	State             CampaignMessageState `json:"state"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	ErrorMessage      string               `json:"error_message,omitempty"`
	SentAt            *time.Time           `json:"sent_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}
