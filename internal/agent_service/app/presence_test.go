package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
)

func TestPresence_SetStatusCreatesRow(t *testing.T) {
	statusRepo := &fakeAgentStatusRepo{statuses: map[uuid.UUID]*domain.AgentStatus{}}
	presence := NewPresence(statusRepo, testLogger())
	agentID := uuid.New()

	require.NoError(t, presence.SetStatus(context.Background(), agentID, domain.AgentOnline, 30))

	st := statusRepo.statuses[agentID]
	require.NotNil(t, st)
	assert.Equal(t, domain.AgentOnline, st.Status)
	assert.Equal(t, 30, st.AutoOfflineMinutes)
	assert.False(t, st.LastActivity.IsZero())
}

func TestPresence_SetStatusResetsIdleClock(t *testing.T) {
	agentID := uuid.New()
	stale := time.Now().UTC().Add(-2 * time.Hour)
	statusRepo := &fakeAgentStatusRepo{statuses: map[uuid.UUID]*domain.AgentStatus{
		agentID: {AgentID: agentID, Status: domain.AgentAway, LastActivity: stale, AutoOfflineMinutes: 15},
	}}
	presence := NewPresence(statusRepo, testLogger())

	require.NoError(t, presence.SetStatus(context.Background(), agentID, domain.AgentOnline, 0))

	st := statusRepo.statuses[agentID]
	assert.Equal(t, domain.AgentOnline, st.Status)
	assert.True(t, st.LastActivity.After(stale))
	assert.Equal(t, 15, st.AutoOfflineMinutes, "zero leaves the configured threshold alone")
}

func TestPresence_TouchActivity(t *testing.T) {
	agentID := uuid.New()
	statusRepo := &fakeAgentStatusRepo{statuses: map[uuid.UUID]*domain.AgentStatus{
		agentID: {AgentID: agentID, Status: domain.AgentOnline},
	}}
	presence := NewPresence(statusRepo, testLogger())

	require.NoError(t, presence.TouchActivity(context.Background(), agentID))
	assert.Contains(t, statusRepo.touched, agentID)
}

func TestPresence_SweepFlipsOnlyIdleAgents(t *testing.T) {
	now := time.Now().UTC()
	idle := uuid.New()
	active := uuid.New()
	noThreshold := uuid.New()
	statusRepo := &fakeAgentStatusRepo{statuses: map[uuid.UUID]*domain.AgentStatus{
		idle:        {AgentID: idle, Status: domain.AgentOnline, LastActivity: now.Add(-time.Hour), AutoOfflineMinutes: 30},
		active:      {AgentID: active, Status: domain.AgentOnline, LastActivity: now.Add(-time.Minute), AutoOfflineMinutes: 30},
		noThreshold: {AgentID: noThreshold, Status: domain.AgentOnline, LastActivity: now.Add(-24 * time.Hour)},
	}}
	presence := NewPresence(statusRepo, testLogger())

	flipped, err := presence.SweepAutoOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)
	assert.Equal(t, domain.AgentOffline, statusRepo.statuses[idle].Status)
	assert.Equal(t, domain.AgentOnline, statusRepo.statuses[active].Status)
	assert.Equal(t, domain.AgentOnline, statusRepo.statuses[noThreshold].Status, "no threshold: never auto-offlined")
}

func TestPresence_SweepIsIdempotent(t *testing.T) {
	now := time.Now().UTC()
	idle := uuid.New()
	statusRepo := &fakeAgentStatusRepo{statuses: map[uuid.UUID]*domain.AgentStatus{
		idle: {AgentID: idle, Status: domain.AgentBusy, LastActivity: now.Add(-time.Hour), AutoOfflineMinutes: 10},
	}}
	presence := NewPresence(statusRepo, testLogger())

	flipped, err := presence.SweepAutoOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flipped)

	flipped, err = presence.SweepAutoOffline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, flipped, "already offline agents are not candidates again")
}
