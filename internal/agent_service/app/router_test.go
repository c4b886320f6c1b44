package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopNats struct{}

func (noopNats) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (noopNats) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg *nats.Msg)) error {
	return nil
}
func (noopNats) Close() {}

type fakeQueueRepo struct {
	queues map[uuid.UUID]*domain.Queue
}

func (r *fakeQueueRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Queue, error) {
	q, ok := r.queues[id]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	return q, nil
}

func (r *fakeQueueRepo) FindDefaultByGateway(ctx context.Context, gatewayID uuid.UUID) (*domain.Queue, error) {
	for _, q := range r.queues {
		if q.GatewayID == gatewayID {
			return q, nil
		}
	}
	return nil, domain.ErrQueueNotFound
}

func (r *fakeQueueRepo) SetLastAssigned(ctx context.Context, queueID uuid.UUID, agentID uuid.UUID) error {
	q, ok := r.queues[queueID]
	if !ok {
		return domain.ErrQueueNotFound
	}
	q.LastAssignedAgentID = &agentID
	return nil
}

type fakeAssignmentRepo struct {
	assignments []*domain.Assignment
}

func (r *fakeAssignmentRepo) Create(ctx context.Context, a *domain.Assignment) error {
	r.assignments = append(r.assignments, a)
	return nil
}

func (r *fakeAssignmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Assignment, error) {
	for _, a := range r.assignments {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, domain.ErrAssignmentNotFound
}

func (r *fakeAssignmentRepo) FindOpenByConversation(ctx context.Context, conversationID uuid.UUID) (*domain.Assignment, error) {
	for _, a := range r.assignments {
		if a.ConversationID == conversationID && a.IsOpen() {
			return a, nil
		}
	}
	return nil, domain.ErrAssignmentNotFound
}

func (r *fakeAssignmentRepo) Update(ctx context.Context, a *domain.Assignment) error {
	return nil
}

func (r *fakeAssignmentRepo) CountActiveByAgents(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]int, error) {
	counts := make(map[uuid.UUID]int, len(agentIDs))
	for _, id := range agentIDs {
		counts[id] = 0
	}
	for _, a := range r.assignments {
		if a.State == domain.AssignmentActive && a.AgentID != nil {
			if _, tracked := counts[*a.AgentID]; tracked {
				counts[*a.AgentID]++
			}
		}
	}
	return counts, nil
}

func (r *fakeAssignmentRepo) ListWaitingByQueue(ctx context.Context, queueID uuid.UUID) ([]*domain.Assignment, error) {
	var waiting []*domain.Assignment
	for _, a := range r.assignments {
		if a.QueueID == queueID && a.State == domain.AssignmentWaiting {
			waiting = append(waiting, a)
		}
	}
	return waiting, nil
}

type fakeAgentStatusRepo struct {
	statuses map[uuid.UUID]*domain.AgentStatus
	touched  []uuid.UUID
}

func (r *fakeAgentStatusRepo) Get(ctx context.Context, agentID uuid.UUID) (*domain.AgentStatus, error) {
	st, ok := r.statuses[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return st, nil
}

func (r *fakeAgentStatusRepo) GetMany(ctx context.Context, agentIDs []uuid.UUID) (map[uuid.UUID]*domain.AgentStatus, error) {
	out := make(map[uuid.UUID]*domain.AgentStatus)
	for _, id := range agentIDs {
		if st, ok := r.statuses[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (r *fakeAgentStatusRepo) Upsert(ctx context.Context, st *domain.AgentStatus) error {
	r.statuses[st.AgentID] = st
	return nil
}

func (r *fakeAgentStatusRepo) TouchActivity(ctx context.Context, agentID uuid.UUID, at time.Time) error {
	r.touched = append(r.touched, agentID)
	if st, ok := r.statuses[agentID]; ok {
		st.LastActivity = at
	}
	return nil
}

func (r *fakeAgentStatusRepo) ListAutoOfflineCandidates(ctx context.Context, now time.Time) ([]*domain.AgentStatus, error) {
	var out []*domain.AgentStatus
	for _, st := range r.statuses {
		deadline, enabled := st.IdleDeadline()
		if enabled && st.Status != domain.AgentOffline && !now.Before(deadline) {
			out = append(out, st)
		}
	}
	return out, nil
}

type routerFixture struct {
	router         *Router
	queueRepo      *fakeQueueRepo
	assignmentRepo *fakeAssignmentRepo
	statusRepo     *fakeAgentStatusRepo
	queue          *domain.Queue
	agents         []uuid.UUID
}

func newRouterFixture(t *testing.T, method domain.AssignmentMethod, agentCount int) *routerFixture {
	t.Helper()
	agents := make([]uuid.UUID, agentCount)
	statuses := make(map[uuid.UUID]*domain.AgentStatus, agentCount)
	for i := range agents {
		agents[i] = uuid.New()
		statuses[agents[i]] = &domain.AgentStatus{
			AgentID: agents[i], Status: domain.AgentOnline, LastActivity: time.Now().UTC(),
		}
	}

	queue := &domain.Queue{
		ID:        uuid.New(),
		GatewayID: uuid.New(),
		Name:      "support",
		Method:    method,
		AgentIDs:  agents,
	}
	queueRepo := &fakeQueueRepo{queues: map[uuid.UUID]*domain.Queue{queue.ID: queue}}
	assignmentRepo := &fakeAssignmentRepo{}
	statusRepo := &fakeAgentStatusRepo{statuses: statuses}

	router := NewRouter(queueRepo, assignmentRepo, statusRepo, noopNats{}, testLogger())
	return &routerFixture{
		router: router, queueRepo: queueRepo, assignmentRepo: assignmentRepo,
		statusRepo: statusRepo, queue: queue, agents: agents,
	}
}

func TestRouter_RoundRobinDistributesFairly(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 3)
	ctx := context.Background()

	picked := make(map[uuid.UUID]int)
	for i := 0; i < 3; i++ {
		a, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
		require.NoError(t, err)
		require.NotNil(t, a.AgentID)
		picked[*a.AgentID]++
	}

	for _, agentID := range f.agents {
		assert.Equal(t, 1, picked[agentID], "each agent exactly once per full rotation")
	}
	require.NotNil(t, f.queue.LastAssignedAgentID)
	assert.Equal(t, f.agents[2], *f.queue.LastAssignedAgentID, "pointer follows the last pick")
}

func TestRouter_RoundRobinSkipsOfflineWithoutStalling(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 3)
	ctx := context.Background()
	f.statusRepo.statuses[f.agents[1]].Status = domain.AgentOffline

	a1, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)
	a2, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)

	assert.Equal(t, f.agents[0], *a1.AgentID)
	assert.Equal(t, f.agents[2], *a2.AgentID, "the offline agent is skipped, not waited for")
}

func TestRouter_RoundRobinStalePointerRestartsFromHead(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 3)
	ctx := context.Background()

	pointer := f.agents[1]
	f.queue.LastAssignedAgentID = &pointer
	f.statusRepo.statuses[f.agents[1]].Status = domain.AgentOffline

	a, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, f.agents[0], *a.AgentID, "ineligible pointer restarts the walk at the head")
}

func TestRouter_RoundRobinRespectsCapacity(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	f.queue.MaxConversationsPerAgent = 1
	ctx := context.Background()

	a1, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)
	a2, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)
	a3, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)

	assert.NotEqual(t, *a1.AgentID, *a2.AgentID)
	assert.Nil(t, a3.AgentID, "everyone at cap: the conversation waits")
	assert.Equal(t, domain.AssignmentWaiting, a3.State)
}

func TestRouter_ZeroCapMeansUncapped(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 1)
	f.queue.MaxConversationsPerAgent = 0
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
		require.NoError(t, err)
		require.NotNil(t, a.AgentID)
	}
}

func TestRouter_LeastBusyPicksLowestLoad(t *testing.T) {
	f := newRouterFixture(t, domain.MethodLeastBusy, 3)
	ctx := context.Background()

	// Pre-load: agent0 two active, agent2 one active, agent1 idle.
	now := time.Now().UTC()
	for _, seed := range []struct {
		agent uuid.UUID
		n     int
	}{{f.agents[0], 2}, {f.agents[2], 1}} {
		for i := 0; i < seed.n; i++ {
			agentID := seed.agent
			f.assignmentRepo.assignments = append(f.assignmentRepo.assignments, &domain.Assignment{
				ID: uuid.New(), ConversationID: uuid.New(), QueueID: f.queue.ID,
				AgentID: &agentID, State: domain.AssignmentActive, AssignedAt: &now,
			})
		}
	}

	a, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, f.agents[1], *a.AgentID)
}

func TestRouter_LeastBusyTieBreaksByQueueOrder(t *testing.T) {
	f := newRouterFixture(t, domain.MethodLeastBusy, 3)

	a, err := f.router.Assign(context.Background(), f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, f.agents[0], *a.AgentID, "all idle: first in queue order wins")
}

func TestRouter_RandomUsesInjectedSource(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRandom, 3)
	f.router.randIntn = func(n int) int { return n - 1 }

	a, err := f.router.Assign(context.Background(), f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, f.agents[2], *a.AgentID)
}

func TestRouter_ManualAlwaysWaits(t *testing.T) {
	f := newRouterFixture(t, domain.MethodManual, 3)

	a, err := f.router.Assign(context.Background(), f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, a.AgentID)
	assert.Equal(t, domain.AssignmentWaiting, a.State)
}

func TestRouter_AssignIsIdempotentPerConversation(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	ctx := context.Background()
	convID := uuid.New()

	a1, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)
	a2, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID, "one open assignment per conversation")
	assert.Len(t, f.assignmentRepo.assignments, 1)
}

func TestRouter_NoEligibleAgentsQueuesForClaim(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	for _, st := range f.statusRepo.statuses {
		st.Status = domain.AgentAway
	}

	a, err := f.router.Assign(context.Background(), f.queue.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentWaiting, a.State)
	assert.Nil(t, a.AgentID)
}

func TestRouter_ClaimWaiting(t *testing.T) {
	f := newRouterFixture(t, domain.MethodManual, 2)
	ctx := context.Background()

	waiting, err := f.router.Assign(ctx, f.queue.ID, uuid.New())
	require.NoError(t, err)

	claimed, err := f.router.ClaimWaiting(ctx, waiting.ID, f.agents[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentActive, claimed.State)
	assert.Equal(t, f.agents[0], *claimed.AgentID)
	assert.Contains(t, f.statusRepo.touched, f.agents[0], "claiming counts as activity")

	_, err = f.router.ClaimWaiting(ctx, waiting.ID, f.agents[1])
	assert.ErrorIs(t, err, domain.ErrAssignmentNotClaimable, "already active")
}

func TestRouter_TransferToAgent(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 3)
	ctx := context.Background()
	convID := uuid.New()

	prior, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)

	target := f.agents[2]
	next, err := f.router.Transfer(ctx, convID, &target, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.AssignmentTransferred, prior.State)
	assert.NotNil(t, prior.ResolvedAt)
	assert.Equal(t, domain.AssignmentActive, next.State)
	assert.Equal(t, target, *next.AgentID)
	assert.NotEqual(t, prior.ID, next.ID)
}

func TestRouter_TransferToQueueReroutes(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	ctx := context.Background()
	convID := uuid.New()

	other := &domain.Queue{
		ID: uuid.New(), GatewayID: uuid.New(), Name: "billing",
		Method: domain.MethodManual, AgentIDs: f.agents,
	}
	f.queueRepo.queues[other.ID] = other

	_, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)

	next, err := f.router.Transfer(ctx, convID, nil, &other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, next.QueueID)
	assert.Equal(t, domain.AssignmentWaiting, next.State, "manual target queue waits for a claim")
}

func TestRouter_TransferWithoutOpenAssignment(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	_, err := f.router.Transfer(context.Background(), uuid.New(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrAssignmentNotFound)
}

func TestRouter_Resolve(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	ctx := context.Background()
	convID := uuid.New()

	_, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)

	resolved, err := f.router.Resolve(ctx, convID, domain.ResolutionSolved)
	require.NoError(t, err)
	assert.Equal(t, domain.AssignmentResolved, resolved.State)
	assert.Equal(t, domain.ResolutionSolved, resolved.Resolution)
	assert.NotNil(t, resolved.ResolvedAt)

	// Resolving frees the conversation for a fresh assignment.
	fresh, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)
	assert.NotEqual(t, resolved.ID, fresh.ID)
}

func TestRouter_RecordFirstResponseOnlyOnce(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 1)
	ctx := context.Background()
	convID := uuid.New()

	a, err := f.router.Assign(ctx, f.queue.ID, convID)
	require.NoError(t, err)

	first := time.Now().UTC()
	require.NoError(t, f.router.RecordFirstResponse(ctx, convID, first))
	require.NotNil(t, a.FirstResponseAt)
	assert.Equal(t, first, *a.FirstResponseAt)

	require.NoError(t, f.router.RecordFirstResponse(ctx, convID, first.Add(time.Hour)))
	assert.Equal(t, first, *a.FirstResponseAt, "later responses do not move the stamp")
}

func TestRouter_OnNewConversationRoutesThroughDefaultQueue(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	gw := &gwdomain.Gateway{ID: f.queue.GatewayID, Type: gwdomain.GatewayTypeCloud}
	conv := gwdomain.NewConversation(gw.ID, "15550001111", "")

	f.router.OnNewConversation(context.Background(), gw, conv)
	require.Len(t, f.assignmentRepo.assignments, 1)
	assert.Equal(t, conv.ID, f.assignmentRepo.assignments[0].ConversationID)
}

func TestRouter_OnNewConversationWithoutQueueIsSilent(t *testing.T) {
	f := newRouterFixture(t, domain.MethodRoundRobin, 2)
	gw := &gwdomain.Gateway{ID: uuid.New(), Type: gwdomain.GatewayTypeCloud}
	conv := gwdomain.NewConversation(gw.ID, "15550001111", "")

	f.router.OnNewConversation(context.Background(), gw, conv)
	assert.Empty(t, f.assignmentRepo.assignments, "no default queue means no routing, no error")
}
