package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/agent_service/domain"
)

// Presence maintains agent availability and runs the inactivity sweep.
type Presence struct {
	statusRepo domain.AgentStatusRepository
	logger     *slog.Logger
}

func NewPresence(statusRepo domain.AgentStatusRepository, logger *slog.Logger) *Presence {
	return &Presence{
		statusRepo: statusRepo,
		logger:     logger.With("component", "agent_presence"),
	}
}

// SetStatus flips an agent's availability. Any explicit change also counts as
// activity, resetting the idle clock.
func (p *Presence) SetStatus(ctx context.Context, agentID uuid.UUID, status domain.AgentAvailability, autoOfflineMinutes int) error {
	now := time.Now().UTC()
	st, err := p.statusRepo.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, domain.ErrAgentNotFound) {
			return err
		}
		st = &domain.AgentStatus{AgentID: agentID}
	}

	st.Status = status
	st.LastActivity = now
	st.UpdatedAt = now
	if autoOfflineMinutes > 0 {
		st.AutoOfflineMinutes = autoOfflineMinutes
	}

	if err := p.statusRepo.Upsert(ctx, st); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "Agent status updated",
		"agent_id", agentID, "status", string(status))
	return nil
}

// TouchActivity resets the agent's idle clock.
func (p *Presence) TouchActivity(ctx context.Context, agentID uuid.UUID) error {
	return p.statusRepo.TouchActivity(ctx, agentID, time.Now().UTC())
}

// SweepAutoOffline flips agents offline whose idle deadline passed. Returns
// how many were flipped; driven by a ticker in the service binary.
func (p *Presence) SweepAutoOffline(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	candidates, err := p.statusRepo.ListAutoOfflineCandidates(ctx, now)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, st := range candidates {
		deadline, enabled := st.IdleDeadline()
		if !enabled || now.Before(deadline) {
			continue
		}
		st.Status = domain.AgentOffline
		st.UpdatedAt = now
		if err := p.statusRepo.Upsert(ctx, st); err != nil {
			p.logger.ErrorContext(ctx, "Failed to flip idle agent offline",
				"error", err, "agent_id", st.AgentID)
			continue
		}
		flipped++
		autoOfflineCounter.Inc()
		p.logger.InfoContext(ctx, "Agent auto-offlined after inactivity",
			"agent_id", st.AgentID, "last_activity", st.LastActivity)
	}
	return flipped, nil
}

// RunSweeper blocks running the sweep on interval until ctx is cancelled.
func (p *Presence) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Presence sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.SweepAutoOffline(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Auto-offline sweep failed", "error", err)
			}
		}
	}
}
