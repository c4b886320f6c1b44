package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// QueueRepository stores routing queues.
type QueueRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Queue, error)
	// FindDefaultByGateway returns the queue new conversations on the
	// gateway are routed through.
	FindDefaultByGateway(ctx context.Context, gatewayID uuid.UUID) (*Queue, error)
	// SetLastAssigned persists the round-robin pointer.
	SetLastAssigned(ctx context.Context, queueID uuid.UUID, agentID uuid.UUID) error
}

// AssignmentRepository stores conversation assignments.
type AssignmentRepository interface {
	Create(ctx context.Context, a *Assignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Assignment, error)
	// FindOpenByConversation returns the waiting or active assignment for
	// the conversation, ErrAssignmentNotFound when none is open.
	FindOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*Assignment, error)
	Update(ctx context.Context, a *Assignment) error
	// CountActiveByAgents returns the number of active assignments per agent
	// for the given ids; agents with none are present with zero.
	CountActiveByAgents(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error)
	ListWaitingByQueue(ctx context.Context, queueID uuid.UUID) ([]*Assignment, error)
}

// AgentStatusRepository stores agent presence.
type AgentStatusRepository interface {
	Get(ctx context.Context, agentID uuid.UUID) (*AgentStatus, error)
	GetMany(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]*AgentStatus, error)
	Upsert(ctx context.Context, st *AgentStatus) error
	TouchActivity(ctx context.Context, agentID uuid.UUID, at time.Time) error
	// ListAutoOfflineCandidates returns agents not yet offline whose idle
	// deadline has passed.
	ListAutoOfflineCandidates(ctx context.Context, now time.Time) ([]*AgentStatus, error)
}
