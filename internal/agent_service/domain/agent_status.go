package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentAvailability is an agent's presence state. Only online agents are
// eligible for routed assignments.
type AgentAvailability string

const (
	AgentOnline  AgentAvailability = "online"
	AgentAway    AgentAvailability = "away"
	AgentBusy    AgentAvailability = "busy"
	AgentOffline AgentAvailability = "offline"
)

// AgentStatus is the per-agent presence row. LastActivity feeds the
// auto-offline sweep: an agent idle past AutoOfflineMinutes is flipped to
// offline by the background sweeper.
type AgentStatus struct {
	AgentID            uuid.UUID         `json:"agent_id"`
	Status             AgentAvailability `json:"status"`
	LastActivity       time.Time         `json:"last_activity"`
	AutoOfflineMinutes int               `json:"auto_offline_minutes"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// IdleDeadline returns when the agent crosses the auto-offline threshold.
// Zero AutoOfflineMinutes disables the sweep for this agent.
func (s *AgentStatus) IdleDeadline() (time.Time, bool) {
	if s.AutoOfflineMinutes <= 0 {
		return time.Time{}, false
	}
	return s.LastActivity.Add(time.Duration(s.AutoOfflineMinutes) * time.Minute), true
}
