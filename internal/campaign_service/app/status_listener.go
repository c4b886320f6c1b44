package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
	"github.com/baderhq/wagateway/internal/core_domain"
)

// StatusCorrelator projects the status ledger's transitions onto campaign
// messages, correlating by provider message id. It implements both listener
// surfaces of the ledger; unmatched ids belong to non-campaign traffic and
// are silently counted.
type StatusCorrelator struct {
	msgRepo      domain.CampaignMessageRepository
	campaignRepo domain.CampaignRepository
	logger       *slog.Logger
}

func NewStatusCorrelator(msgRepo domain.CampaignMessageRepository, campaignRepo domain.CampaignRepository, logger *slog.Logger) *StatusCorrelator {
	return &StatusCorrelator{
		msgRepo:      msgRepo,
		campaignRepo: campaignRepo,
		logger:       logger.With("component", "campaign_status_correlator"),
	}
}

// OnStatusApplied upgrades the campaign message for delivered/read
// transitions. Failed rows never reopen: a late read after a failure is
// recorded by the ledger but dropped here.
func (c *StatusCorrelator) OnStatusApplied(ctx context.Context, providerMessageID string, status core_domain.MessageStatus, at time.Time) {
	var next domain.CampaignMessageState
	switch status {
	case core_domain.StatusDelivered:
		next = domain.CampaignMessageDelivered
	case core_domain.StatusRead:
		next = domain.CampaignMessageRead
	default:
		return
	}
	c.advance(ctx, providerMessageID, next, "")
}

// OnMessageFailed marks the correlated campaign message failed with the
// provider's error detail.
func (c *StatusCorrelator) OnMessageFailed(ctx context.Context, providerMessageID string, errInfo *core_domain.StatusError) {
	reason := ""
	if errInfo != nil {
		reason = errInfo.Message
		if errInfo.Details != "" {
			reason += ": " + errInfo.Details
		}
	}
	c.advance(ctx, providerMessageID, domain.CampaignMessageFailed, reason)
}

func (c *StatusCorrelator) advance(ctx context.Context, providerMessageID string, next domain.CampaignMessageState, reason string) {
	msg, err := c.msgRepo.FindByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrCampaignMessageNotFound) {
			campaignStatusUpdatesCounter.WithLabelValues(string(next), "unmatched").Inc()
			return
		}
		c.logger.ErrorContext(ctx, "Failed to correlate status update",
			"error", err, "provider_message_id", providerMessageID)
		return
	}

	if !msg.State.CanAdvanceTo(next) {
		c.logger.DebugContext(ctx, "Dropping status update for campaign message",
			"campaign_message_id", msg.ID, "current_state", string(msg.State), "new_state", string(next))
		campaignStatusUpdatesCounter.WithLabelValues(string(next), "dropped").Inc()
		return
	}

	msg.State = next
	msg.ErrorMessage = reason
	msg.UpdatedAt = time.Now().UTC()
	if err := c.msgRepo.Update(ctx, msg); err != nil {
		c.logger.ErrorContext(ctx, "Failed to persist campaign message status",
			"error", err, "campaign_message_id", msg.ID, "new_state", string(next))
		return
	}
	campaignStatusUpdatesCounter.WithLabelValues(string(next), "applied").Inc()

	if _, err := c.campaignRepo.RefreshCounters(ctx, msg.CampaignID); err != nil {
		c.logger.WarnContext(ctx, "Failed to refresh campaign counters after status update",
			"error", err, "campaign_id", msg.CampaignID)
	}
}
