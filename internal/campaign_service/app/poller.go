package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

// PollerConfig holds configuration specific to the CampaignPoller.
type PollerConfig struct {
	PollingInterval time.Duration
	BatchLimit      int
}

// CampaignPoller is the worker-side loop: it acquires due campaigns on a
// timer and also reacts to wake-up events so a freshly started campaign does
// not wait out a full polling interval. The timer is the durable path; the
// event is the fast path.
type CampaignPoller struct {
	campaignRepo domain.CampaignRepository
	dispatcher   *Dispatcher
	natsClient   messagebroker.NATSClient
	logger       *slog.Logger
	config       PollerConfig
}

func NewCampaignPoller(
	campaignRepo domain.CampaignRepository,
	dispatcher *Dispatcher,
	natsClient messagebroker.NATSClient,
	logger *slog.Logger,
	cfg PollerConfig,
) *CampaignPoller {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 10
	}
	return &CampaignPoller{
		campaignRepo: campaignRepo,
		dispatcher:   dispatcher,
		natsClient:   natsClient,
		logger:       logger.With("component", "campaign_poller"),
		config:       cfg,
	}
}

// Run blocks until ctx is cancelled, alternating between the poll timer and
// wake-up events. Wake-up consumers join a queue group so a worker fleet
// splits the load without double-dispatch (the claim guards the rest).
func (p *CampaignPoller) Run(ctx context.Context) error {
	if err := p.natsClient.SubscribeToSubjectWithQueue(ctx, WakeupSubject, "campaign_workers", func(msg *nats.Msg) {
		p.handleWakeup(ctx, msg)
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(p.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "Campaign poller stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PollAndProcess(ctx); err != nil {
				p.logger.ErrorContext(ctx, "Campaign poll cycle failed", "error", err)
			}
		}
	}
}

// PollAndProcess acquires due campaigns and runs one batch for each. It
// returns the number of campaigns attempted in this cycle.
func (p *CampaignPoller) PollAndProcess(ctx context.Context) (int, error) {
	due, err := p.campaignRepo.AcquireDue(ctx, time.Now().UTC(), p.config.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	p.logger.InfoContext(ctx, "Acquired due campaigns", "count", len(due))

	processed := 0
	for _, c := range due {
		processed++

		if c.State == domain.CampaignScheduled {
			// Scheduled time reached: promote to running, then dispatch.
			from := []domain.CampaignState{domain.CampaignScheduled}
			if err := p.campaignRepo.UpdateState(ctx, c.ID, from, domain.CampaignRunning); err != nil {
				p.logger.WarnContext(ctx, "Scheduled campaign could not be promoted",
					"error", err, "campaign_id", c.ID)
				continue
			}
			p.logger.InfoContext(ctx, "Scheduled campaign promoted to running", "campaign_id", c.ID)
		}

		if err := p.dispatcher.RunBatch(ctx, c.ID); err != nil {
			p.logger.ErrorContext(ctx, "Campaign batch run failed",
				"error", err, "campaign_id", c.ID)
		}
	}
	return processed, nil
}

func (p *CampaignPoller) handleWakeup(ctx context.Context, msg *nats.Msg) {
	var ev WakeupEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		p.logger.WarnContext(ctx, "Discarding malformed wake-up event", "error", err)
		return
	}

	if wait := time.Until(ev.DueAt); wait > 0 {
		// Future-dated wake-up: the persisted next_run_at covers it, the
		// poll timer will pick it up when due.
		p.logger.DebugContext(ctx, "Deferring future wake-up to the poll timer",
			"campaign_id", ev.CampaignID, "due_at", ev.DueAt)
		return
	}

	if err := p.dispatcher.RunBatch(ctx, ev.CampaignID); err != nil {
		p.logger.ErrorContext(ctx, "Wake-up batch run failed",
			"error", err, "campaign_id", ev.CampaignID)
	}
}
