package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

// AssignmentEventSubject carries assignment lifecycle events on NATS.
const AssignmentEventSubject = "agent.assignment"

// AssignmentEvent is the fan-out shape for assignment changes.
type AssignmentEvent struct {
	AssignmentID   uuid.UUID  `json:"assignment_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	QueueID        uuid.UUID  `json:"queue_id"`
	AgentID        *uuid.UUID `json:"agent_id,omitempty"`
	State          string     `json:"state"`
	At             time.Time  `json:"at"`
}

// Router decides which agent handles a conversation. Routing reads presence
// and load at decision time; the queue's order is the only stable input.
type Router struct {
	queueRepo      domain.QueueRepository
	assignmentRepo domain.AssignmentRepository
	statusRepo     domain.AgentStatusRepository
	natsClient     messagebroker.NATSClient
	logger         *slog.Logger

	// randIntn is swappable for deterministic tests of the random policy.
	randIntn func(n int) int
}

func NewRouter(
	queueRepo domain.QueueRepository,
	assignmentRepo domain.AssignmentRepository,
	statusRepo domain.AgentStatusRepository,
	natsClient messagebroker.NATSClient,
	logger *slog.Logger,
) *Router {
	return &Router{
		queueRepo:      queueRepo,
		assignmentRepo: assignmentRepo,
		statusRepo:     statusRepo,
		natsClient:     natsClient,
		logger:         logger.With("component", "assignment_router"),
		randIntn:       rand.Intn,
	}
}

// OnNewConversation routes a freshly created conversation through the
// gateway's default queue. Failures are logged only; routing must never block
// inbound materialization.
func (r *Router) OnNewConversation(ctx context.Context, gw *gwdomain.Gateway, conv *gwdomain.Conversation) {
	queue, err := r.queueRepo.FindDefaultByGateway(ctx, gw.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrQueueNotFound) {
			r.logger.ErrorContext(ctx, "Failed to resolve default queue",
				"error", err, "gateway_id", gw.ID)
		}
		return
	}
	if _, err := r.Assign(ctx, queue.ID, conv.ID); err != nil {
		r.logger.WarnContext(ctx, "Auto-assignment of new conversation failed",
			"error", err, "conversation_id", conv.ID, "queue_id", queue.ID)
	}
}

// Assign routes the conversation through the queue's policy. Idempotent per
// conversation: an already-open assignment is returned unchanged. When no
// agent is eligible (or the policy is manual) the assignment is created in
// waiting state for an agent to claim.
func (r *Router) Assign(ctx context.Context, queueID, conversationID uuid.UUID) (*domain.Assignment, error) {
	if existing, err := r.assignmentRepo.FindOpenByConversation(ctx, conversationID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrAssignmentNotFound) {
		return nil, err
	}

	queue, err := r.queueRepo.GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}

	var agentID *uuid.UUID
	if queue.Method != domain.MethodManual {
		eligible, err := r.eligibleAgents(ctx, queue)
		if err != nil {
			return nil, err
		}
		if len(eligible) > 0 {
			picked, err := r.pick(ctx, queue, eligible)
			if err != nil {
				return nil, err
			}
			agentID = &picked
		}
	}

	now := time.Now().UTC()
	a := &domain.Assignment{
		ID:             uuid.New(),
		ConversationID: conversationID,
		QueueID:        queueID,
		AgentID:        agentID,
		State:          domain.AssignmentWaiting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	outcome := "waiting"
	if agentID != nil {
		a.State = domain.AssignmentActive
		a.AssignedAt = &now
		outcome = "assigned"
	}

	if err := r.assignmentRepo.Create(ctx, a); err != nil {
		return nil, err
	}
	assignmentsCounter.WithLabelValues(string(queue.Method), outcome).Inc()

	if agentID != nil {
		r.logger.InfoContext(ctx, "Conversation assigned",
			"conversation_id", conversationID, "queue_id", queueID, "agent_id", *agentID,
			"method", string(queue.Method))
	} else {
		r.logger.InfoContext(ctx, "Conversation queued for claim",
			"conversation_id", conversationID, "queue_id", queueID, "method", string(queue.Method))
	}

	r.publishEvent(ctx, a)
	return a, nil
}

// ClaimWaiting lets an agent take a waiting assignment for themselves.
func (r *Router) ClaimWaiting(ctx context.Context, assignmentID, agentID uuid.UUID) (*domain.Assignment, error) {
	a, err := r.assignmentRepo.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.State != domain.AssignmentWaiting {
		return nil, domain.ErrAssignmentNotClaimable
	}

	now := time.Now().UTC()
	a.AgentID = &agentID
	a.State = domain.AssignmentActive
	a.AssignedAt = &now
	a.UpdatedAt = now
	if err := r.assignmentRepo.Update(ctx, a); err != nil {
		return nil, err
	}

	if err := r.statusRepo.TouchActivity(ctx, agentID, now); err != nil {
		r.logger.WarnContext(ctx, "Failed to touch agent activity on claim",
			"error", err, "agent_id", agentID)
	}

	r.logger.InfoContext(ctx, "Waiting assignment claimed",
		"assignment_id", assignmentID, "agent_id", agentID)
	r.publishEvent(ctx, a)
	return a, nil
}

// Transfer moves the conversation away from its current assignment: the old
// one closes as transferred, then either a direct active assignment to the
// target agent or a fresh route through the target queue.
func (r *Router) Transfer(ctx context.Context, conversationID uuid.UUID, targetAgentID *uuid.UUID, targetQueueID *uuid.UUID) (*domain.Assignment, error) {
	prior, err := r.assignmentRepo.FindOpenByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	prior.State = domain.AssignmentTransferred
	prior.ResolvedAt = &now
	prior.UpdatedAt = now
	if err := r.assignmentRepo.Update(ctx, prior); err != nil {
		return nil, err
	}
	transfersCounter.Inc()
	r.publishEvent(ctx, prior)

	queueID := prior.QueueID
	if targetQueueID != nil {
		queueID = *targetQueueID
	}

	if targetAgentID == nil {
		return r.Assign(ctx, queueID, conversationID)
	}

	next := &domain.Assignment{
		ID:             uuid.New(),
		ConversationID: conversationID,
		QueueID:        queueID,
		AgentID:        targetAgentID,
		State:          domain.AssignmentActive,
		AssignedAt:     &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.assignmentRepo.Create(ctx, next); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "Conversation transferred to agent",
		"conversation_id", conversationID, "agent_id", *targetAgentID)
	r.publishEvent(ctx, next)
	return next, nil
}

// Resolve closes the conversation's open assignment with a resolution type.
func (r *Router) Resolve(ctx context.Context, conversationID uuid.UUID, resolution domain.ResolutionType) (*domain.Assignment, error) {
	a, err := r.assignmentRepo.FindOpenByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.State = domain.AssignmentResolved
	a.Resolution = resolution
	a.ResolvedAt = &now
	a.UpdatedAt = now
	if err := r.assignmentRepo.Update(ctx, a); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "Assignment resolved",
		"assignment_id", a.ID, "conversation_id", conversationID, "resolution", string(resolution))
	r.publishEvent(ctx, a)
	return a, nil
}

// RecordFirstResponse stamps the active assignment's first agent response.
// Later calls are no-ops; the metric is time-to-first-response.
func (r *Router) RecordFirstResponse(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	a, err := r.assignmentRepo.FindOpenByConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrAssignmentNotFound) {
			return nil
		}
		return err
	}
	if a.State != domain.AssignmentActive || a.FirstResponseAt != nil {
		return nil
	}

	at = at.UTC()
	a.FirstResponseAt = &at
	a.UpdatedAt = time.Now().UTC()
	return r.assignmentRepo.Update(ctx, a)
}

// eligibleAgents filters the queue's agents, preserving queue order: online
// presence and active load under the cap.
func (r *Router) eligibleAgents(ctx context.Context, queue *domain.Queue) ([]uuid.UUID, error) {
	if len(queue.AgentIDs) == 0 {
		return nil, nil
	}

	statuses, err := r.statusRepo.GetMany(ctx, queue.AgentIDs)
	if err != nil {
		return nil, err
	}
	loads, err := r.assignmentRepo.CountActiveByAgents(ctx, queue.AgentIDs)
	if err != nil {
		return nil, err
	}

	var eligible []uuid.UUID
	for _, agentID := range queue.AgentIDs {
		st, ok := statuses[agentID]
		if !ok || st.Status != domain.AgentOnline {
			continue
		}
		if queue.MaxConversationsPerAgent > 0 && loads[agentID] >= queue.MaxConversationsPerAgent {
			continue
		}
		eligible = append(eligible, agentID)
	}
	return eligible, nil
}

// pick applies the queue's policy over the eligible agents (queue-ordered).
func (r *Router) pick(ctx context.Context, queue *domain.Queue, eligible []uuid.UUID) (uuid.UUID, error) {
	switch queue.Method {
	case domain.MethodRoundRobin:
		return r.pickRoundRobin(ctx, queue, eligible)
	case domain.MethodLeastBusy:
		return r.pickLeastBusy(ctx, queue, eligible)
	case domain.MethodRandom:
		return eligible[r.randIntn(len(eligible))], nil
	default:
		return uuid.Nil, fmt.Errorf("unknown assignment method %q", queue.Method)
	}
}

// pickRoundRobin walks the full queue order starting after the pointer,
// wrapping once, and takes the first eligible agent. The pointer moves to the
// picked agent, so skipped (offline or saturated) agents do not stall it.
func (r *Router) pickRoundRobin(ctx context.Context, queue *domain.Queue, eligible []uuid.UUID) (uuid.UUID, error) {
	eligibleSet := make(map[uuid.UUID]struct{}, len(eligible))
	for _, id := range eligible {
		eligibleSet[id] = struct{}{}
	}

	// The walk continues after the pointer only while the pointer agent is
	// itself still eligible; a stale pointer restarts from the head.
	start := 0
	if queue.LastAssignedAgentID != nil {
		if _, ok := eligibleSet[*queue.LastAssignedAgentID]; ok {
			if idx := queue.AgentIndex(*queue.LastAssignedAgentID); idx >= 0 {
				start = idx + 1
			}
		}
	}

	n := len(queue.AgentIDs)
	for i := 0; i < n; i++ {
		candidate := queue.AgentIDs[(start+i)%n]
		if _, ok := eligibleSet[candidate]; !ok {
			continue
		}
		if err := r.queueRepo.SetLastAssigned(ctx, queue.ID, candidate); err != nil {
			return uuid.Nil, err
		}
		queue.LastAssignedAgentID = &candidate
		return candidate, nil
	}
	// Caller guarantees eligible is non-empty; every eligible agent is in
	// the queue, so the walk cannot miss.
	return eligible[0], nil
}

// pickLeastBusy takes the eligible agent with the fewest active assignments;
// ties break by queue order, which eligible already follows.
func (r *Router) pickLeastBusy(ctx context.Context, queue *domain.Queue, eligible []uuid.UUID) (uuid.UUID, error) {
	loads, err := r.assignmentRepo.CountActiveByAgents(ctx, eligible)
	if err != nil {
		return uuid.Nil, err
	}

	best := eligible[0]
	for _, agentID := range eligible[1:] {
		if loads[agentID] < loads[best] {
			best = agentID
		}
	}
	return best, nil
}

func (r *Router) publishEvent(ctx context.Context, a *domain.Assignment) {
	ev := AssignmentEvent{
		AssignmentID:   a.ID,
		ConversationID: a.ConversationID,
		QueueID:        a.QueueID,
		AgentID:        a.AgentID,
		State:          string(a.State),
		At:             a.UpdatedAt,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to marshal assignment event", "error", err)
		return
	}
	subject := AssignmentEventSubject + "." + string(a.State)
	if err := r.natsClient.Publish(ctx, subject, data); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish assignment event",
			"error", err, "subject", subject)
	}
}
