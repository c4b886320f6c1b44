package domain

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentMethod selects how a queue routes new conversations onto agents.
type AssignmentMethod string

const (
	MethodRoundRobin AssignmentMethod = "round_robin"
	MethodLeastBusy  AssignmentMethod = "least_busy"
	MethodRandom     AssignmentMethod = "random"
	MethodManual     AssignmentMethod = "manual"
)

// Queue is an ordered set of agents with a routing policy. AgentIDs order is
// meaningful: round-robin walks it and least-busy breaks ties by it.
type Queue struct {
	ID        uuid.UUID        `json:"id"`
	GatewayID uuid.UUID        `json:"gateway_id"`
	Name      string           `json:"name"`
	Method    AssignmentMethod `json:"method"`
	AgentIDs  []uuid.UUID      `json:"agent_ids"`

	// MaxConversationsPerAgent caps concurrent active assignments per agent;
	// 0 means uncapped.
	MaxConversationsPerAgent int `json:"max_conversations_per_agent"`

	// LastAssignedAgentID is the round-robin pointer. It advances on every
	// routed assignment, including ones where earlier agents were skipped.
	LastAssignedAgentID *uuid.UUID `json:"last_assigned_agent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AgentIndex returns the position of agentID in the queue order, -1 if absent.
func (q *Queue) AgentIndex(agentID uuid.UUID) int {
	for i, id := range q.AgentIDs {
		if id == agentID {
			return i
		}
	}
	return -1
}
