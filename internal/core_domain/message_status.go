package core_domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus is the normalized delivery state of an outbound message as
// reported by the provider's status callbacks.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders the happy-path statuses. Failed has no rank of its own: it is
// reachable from sent or delivered only, which CanTransitionTo encodes.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether s is one of the known callback statuses.
func (s MessageStatus) IsValid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a record currently in state s may move to
// next. Transitions are monotonic in rank and failed is terminal; a late or
// duplicate callback that would regress the state is dropped by the caller.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSent || s == StatusDelivered
	}
	return next.Rank() > s.Rank()
}

// StatusError carries the provider's error payload for a failed message.
type StatusError struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// DeliveryStatusRecord is the authoritative per-message delivery-state row,
// keyed by the provider's message id (wamid for the cloud API). Per-state
// timestamps are append-only: once a state is reached its timestamp is never
// cleared, even when a later state supersedes it as Status.
type DeliveryStatusRecord struct {
	ID                uuid.UUID     `json:"id"`
	ProviderMessageID string        `json:"provider_message_id"`
	ConversationID    uuid.UUID     `json:"conversation_id"`
	Recipient         string        `json:"recipient"`
	Status            MessageStatus `json:"status"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty"`
	Error             *StatusError  `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewDeliveryStatusRecord creates a record in the initial sent state.
func NewDeliveryStatusRecord(providerMessageID string, conversationID uuid.UUID, recipient string, sentAt time.Time) *DeliveryStatusRecord {
	now := time.Now().UTC()
	sent := sentAt.UTC()
	return &DeliveryStatusRecord{
		ID:                uuid.New(),
		ProviderMessageID: providerMessageID,
		ConversationID:    conversationID,
		Recipient:         recipient,
		Status:            StatusSent,
		SentAt:            &sent,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Apply moves the record to next at ts, stamping the matching per-state
// timestamp. The caller is responsible for the CanTransitionTo guard.
func (r *DeliveryStatusRecord) Apply(next MessageStatus, ts time.Time, errInfo *StatusError) {
	at := ts.UTC()
	r.Status = next
	r.UpdatedAt = time.Now().UTC()
	switch next {
	case StatusSent:
		r.SentAt = &at
	case StatusDelivered:
		r.DeliveredAt = &at
	case StatusRead:
		r.ReadAt = &at
	case StatusFailed:
		r.FailedAt = &at
		r.Error = errInfo
	}
}
