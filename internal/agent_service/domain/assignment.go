package domain

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentState is the lifecycle of a conversation's routing to an agent.
type AssignmentState string

const (
	AssignmentWaiting     AssignmentState = "waiting"
	AssignmentActive      AssignmentState = "active"
	AssignmentResolved    AssignmentState = "resolved"
	AssignmentTransferred AssignmentState = "transferred"
)

// ResolutionType records how an assignment ended.
type ResolutionType string

const (
	ResolutionSolved    ResolutionType = "solved"
	ResolutionAbandoned ResolutionType = "abandoned"
	ResolutionExpired   ResolutionType = "expired"
)

// Assignment routes one conversation to one agent. At most one open
// assignment (waiting or active) exists per conversation at any time.
type Assignment struct {
	ID             uuid.UUID       `json:"id"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	QueueID        uuid.UUID       `json:"queue_id"`
	AgentID        *uuid.UUID      `json:"agent_id,omitempty"`
	State          AssignmentState `json:"state"`
	Resolution     ResolutionType  `json:"resolution,omitempty"`

	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	FirstResponseAt *time.Time `json:"first_response_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsOpen reports whether the assignment still occupies the conversation.
func (a *Assignment) IsOpen() bool {
	return a.State == AssignmentWaiting || a.State == AssignmentActive
}
