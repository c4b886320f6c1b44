package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
	gwapp "github.com/baderhq/wagateway/internal/gateway_service/app"
	gwdomain "github.com/baderhq/wagateway/internal/gateway_service/domain"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

// WakeupSubject is the NATS subject carrying campaign wake-up events.
const WakeupSubject = "campaign.wakeup"

// WakeupEvent asks a worker to run the next batch of a campaign at DueAt.
type WakeupEvent struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	DueAt      time.Time `json:"due_at"`
}

// Sleeper abstracts pacing waits so tests can observe them without blocking.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper waits on a real timer, aborting on context cancellation.
type ClockSleeper struct{}

func (ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Dispatcher owns the campaign lifecycle and batch dispatch. All progress is
// driven by persisted state: a crashed worker loses at most the claim, never
// the position, and a retried batch selects only rows still pending.
type Dispatcher struct {
	campaignRepo domain.CampaignRepository
	msgRepo      domain.CampaignMessageRepository
	contactRepo  domain.ContactRepository
	leadSearcher domain.LeadSearcher
	gatewayRepo  gwdomain.GatewayRepository
	sender       *gwapp.OutboundSender
	natsClient   messagebroker.NATSClient
	sleeper      Sleeper
	logger       *slog.Logger
}

// NewDispatcher wires the dispatcher. leadSearcher may be nil when no lead
// store is configured; lead-based audiences then fail at prepare time.
func NewDispatcher(
	campaignRepo domain.CampaignRepository,
	msgRepo domain.CampaignMessageRepository,
	contactRepo domain.ContactRepository,
	leadSearcher domain.LeadSearcher,
	gatewayRepo gwdomain.GatewayRepository,
	sender *gwapp.OutboundSender,
	natsClient messagebroker.NATSClient,
	sleeper Sleeper,
	logger *slog.Logger,
) *Dispatcher {
	if sleeper == nil {
		sleeper = ClockSleeper{}
	}
	return &Dispatcher{
		campaignRepo: campaignRepo,
		msgRepo:      msgRepo,
		contactRepo:  contactRepo,
		leadSearcher: leadSearcher,
		gatewayRepo:  gatewayRepo,
		sender:       sender,
		natsClient:   natsClient,
		sleeper:      sleeper,
		logger:       logger.With("component", "campaign_dispatcher"),
	}
}

// Prepare resolves the recipient source into pending campaign-message rows:
// normalize phones, drop duplicates, rebuild the pending set. Variables are
// matched against the phone exactly as the caller submitted it, before
// normalization. Rejected once the campaign has started; rebuilding under a
// live dispatcher would double-send.
func (d *Dispatcher) Prepare(ctx context.Context, campaignID uuid.UUID, source *domain.RecipientSource, variables map[string]map[string]string) (int, error) {
	c, err := d.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if !c.CanPrepare() {
		return 0, fmt.Errorf("%w: cannot prepare in state %q", domain.ErrInvalidStateTransition, c.State)
	}

	recipients, err := d.resolveRecipients(ctx, source, variables)
	if err != nil {
		return 0, err
	}
	if len(recipients) == 0 {
		return 0, errors.New("recipient source resolved to no recipients")
	}

	if err := d.msgRepo.DeletePending(ctx, campaignID); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	msgs := make([]*domain.CampaignMessage, 0, len(recipients))
	for _, rcpt := range recipients {
		msgs = append(msgs, &domain.CampaignMessage{
			ID:         uuid.New(),
			CampaignID: campaignID,
			Recipient:  rcpt.phone,
			Variables:  rcpt.variables,
			State:      domain.CampaignMessagePending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	inserted, err := d.msgRepo.BulkCreate(ctx, msgs)
	if err != nil {
		return 0, err
	}

	if _, err := d.campaignRepo.RefreshCounters(ctx, campaignID); err != nil {
		d.logger.WarnContext(ctx, "Failed to refresh campaign counters after prepare",
			"error", err, "campaign_id", campaignID)
	}

	d.logger.InfoContext(ctx, "Campaign prepared",
		"campaign_id", campaignID, "recipients", len(recipients), "inserted", inserted)
	return inserted, nil
}

// Start moves the campaign to running and emits an immediate wake-up.
func (d *Dispatcher) Start(ctx context.Context, campaignID uuid.UUID) error {
	from := []domain.CampaignState{domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignPaused}
	if err := d.campaignRepo.UpdateState(ctx, campaignID, from, domain.CampaignRunning); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Campaign started", "campaign_id", campaignID)
	d.emitWakeup(ctx, campaignID, time.Now().UTC())
	return nil
}

// Pause stops dispatch after the current batch. A wake-up arriving later for
// a paused campaign is a no-op in RunBatch.
func (d *Dispatcher) Pause(ctx context.Context, campaignID uuid.UUID) error {
	from := []domain.CampaignState{domain.CampaignRunning}
	if err := d.campaignRepo.UpdateState(ctx, campaignID, from, domain.CampaignPaused); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Campaign paused", "campaign_id", campaignID)
	return nil
}

// Resume is Start restricted to paused campaigns.
func (d *Dispatcher) Resume(ctx context.Context, campaignID uuid.UUID) error {
	from := []domain.CampaignState{domain.CampaignPaused}
	if err := d.campaignRepo.UpdateState(ctx, campaignID, from, domain.CampaignRunning); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Campaign resumed", "campaign_id", campaignID)
	d.emitWakeup(ctx, campaignID, time.Now().UTC())
	return nil
}

// Cancel terminally stops the campaign. Pending rows stay pending for audit;
// they are simply never selected again.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	from := []domain.CampaignState{
		domain.CampaignDraft, domain.CampaignScheduled,
		domain.CampaignRunning, domain.CampaignPaused,
	}
	if err := d.campaignRepo.UpdateState(ctx, campaignID, from, domain.CampaignCancelled); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "Campaign cancelled", "campaign_id", campaignID)
	return nil
}

// Progress returns the campaign with counters recomputed from the rows.
func (d *Dispatcher) Progress(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	return d.campaignRepo.RefreshCounters(ctx, campaignID)
}

// RunBatch dispatches up to one batch for the campaign. Safe to call from
// concurrent workers and on stale wake-ups: the state check and the claim
// make every path but one a no-op.
func (d *Dispatcher) RunBatch(ctx context.Context, campaignID uuid.UUID) error {
	start := time.Now()
	outcome := "error"
	defer func() {
		campaignBatchesCounter.WithLabelValues(outcome).Inc()
		campaignBatchDurationHist.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	c, err := d.campaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return err
	}
	if c.State != domain.CampaignRunning {
		// Stale wake-up after pause/cancel/complete.
		d.logger.InfoContext(ctx, "Ignoring wake-up for non-running campaign",
			"campaign_id", campaignID, "state", string(c.State))
		outcome = "skipped"
		return nil
	}

	if err := d.campaignRepo.TryClaim(ctx, campaignID); err != nil {
		if errors.Is(err, domain.ErrAlreadyClaimed) || errors.Is(err, domain.ErrInvalidStateTransition) {
			d.logger.InfoContext(ctx, "Campaign batch already claimed elsewhere", "campaign_id", campaignID)
			outcome = "skipped"
			return nil
		}
		return err
	}

	batch, err := d.msgRepo.SelectPendingBatch(ctx, campaignID, c.BatchSize)
	if err != nil {
		d.releaseWithWakeup(ctx, c, time.Now().UTC().Add(c.BatchDelay))
		return err
	}

	interval := c.SendInterval()
	for i, msg := range batch {
		if i > 0 && interval > 0 {
			if err := d.sleeper.Sleep(ctx, interval); err != nil {
				// Shutdown mid-batch: unsent rows are still pending, the next
				// wake-up resumes exactly there.
				d.releaseWithWakeup(ctx, c, time.Now().UTC())
				return err
			}
		}
		d.dispatchOne(ctx, c, msg)
	}

	pending, err := d.msgRepo.CountPending(ctx, campaignID)
	if err != nil {
		d.releaseWithWakeup(ctx, c, time.Now().UTC().Add(c.BatchDelay))
		return err
	}

	if _, err := d.campaignRepo.RefreshCounters(ctx, campaignID); err != nil {
		d.logger.WarnContext(ctx, "Failed to refresh campaign counters",
			"error", err, "campaign_id", campaignID)
	}

	if pending == 0 {
		if err := d.complete(ctx, campaignID); err != nil {
			return err
		}
		outcome = "completed"
		d.logger.InfoContext(ctx, "Campaign completed", "campaign_id", campaignID)
		return nil
	}

	d.releaseWithWakeup(ctx, c, time.Now().UTC().Add(c.BatchDelay))
	outcome = "dispatched"
	d.logger.InfoContext(ctx, "Campaign batch dispatched",
		"campaign_id", campaignID, "batch", len(batch), "pending", pending)
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *domain.Campaign, msg *domain.CampaignMessage) {
	gw, err := d.gatewayRepo.GetByID(ctx, c.GatewayID)
	if err != nil {
		d.markFailed(ctx, msg, "gateway unavailable: "+err.Error())
		return
	}

	payload := &gwdomain.OutboundPayload{
		Template: &gwdomain.TemplateSend{
			Name:      c.Template.Name,
			Language:  c.Template.Language,
			Variables: msg.Variables,
		},
	}

	outcome, err := d.sender.SendTo(ctx, gw, msg.Recipient, uuid.Nil, payload, gwapp.SendOptions{})
	if err != nil || !outcome.Sent {
		reason := outcome.ErrorMessage
		if reason == "" && err != nil {
			reason = err.Error()
		}
		d.markFailed(ctx, msg, reason)
		return
	}

	now := time.Now().UTC()
	msg.State = domain.CampaignMessageSent
	msg.ProviderMessageID = outcome.ProviderMessageID
	msg.SentAt = &now
	msg.UpdatedAt = now
	if uerr := d.msgRepo.Update(ctx, msg); uerr != nil {
		// The send went out; losing the row update risks a duplicate on the
		// next batch, so this is the loudest log in the dispatcher.
		d.logger.ErrorContext(ctx, "Sent campaign message could not be persisted",
			"error", uerr, "campaign_message_id", msg.ID, "provider_message_id", outcome.ProviderMessageID)
		return
	}
	campaignMessagesDispatchedCounter.WithLabelValues("sent").Inc()
}

func (d *Dispatcher) markFailed(ctx context.Context, msg *domain.CampaignMessage, reason string) {
	msg.State = domain.CampaignMessageFailed
	msg.ErrorMessage = reason
	msg.UpdatedAt = time.Now().UTC()
	if err := d.msgRepo.Update(ctx, msg); err != nil {
		d.logger.ErrorContext(ctx, "Failed to persist campaign message failure",
			"error", err, "campaign_message_id", msg.ID)
		return
	}
	campaignMessagesDispatchedCounter.WithLabelValues("failed").Inc()
	d.logger.WarnContext(ctx, "Campaign message failed",
		"campaign_message_id", msg.ID, "recipient", msg.Recipient, "reason", reason)
}

func (d *Dispatcher) complete(ctx context.Context, campaignID uuid.UUID) error {
	if err := d.campaignRepo.ReleaseClaim(ctx, campaignID, nil); err != nil {
		return err
	}
	from := []domain.CampaignState{domain.CampaignRunning}
	return d.campaignRepo.UpdateState(ctx, campaignID, from, domain.CampaignCompleted)
}

func (d *Dispatcher) releaseWithWakeup(ctx context.Context, c *domain.Campaign, dueAt time.Time) {
	if err := d.campaignRepo.ReleaseClaim(ctx, c.ID, &dueAt); err != nil {
		d.logger.ErrorContext(ctx, "Failed to release campaign claim",
			"error", err, "campaign_id", c.ID)
	}
	d.emitWakeup(ctx, c.ID, dueAt)
}

// emitWakeup is best effort: the persisted next_run_at row is the durable
// schedule, the NATS event only shortens the poller latency.
func (d *Dispatcher) emitWakeup(ctx context.Context, campaignID uuid.UUID, dueAt time.Time) {
	data, err := json.Marshal(WakeupEvent{CampaignID: campaignID, DueAt: dueAt})
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to marshal wake-up event", "error", err)
		return
	}
	if err := d.natsClient.Publish(ctx, WakeupSubject, data); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish wake-up event",
			"error", err, "campaign_id", campaignID)
	}
}

// resolvedRecipient pairs a normalized phone with the template variables
// bound to it during resolution.
type resolvedRecipient struct {
	phone     string
	variables map[string]string
}

func (d *Dispatcher) resolveRecipients(ctx context.Context, source *domain.RecipientSource, variables map[string]map[string]string) ([]resolvedRecipient, error) {
	type candidate struct {
		raw  string
		vars map[string]string
	}
	var raw []candidate
	switch {
	case source == nil:
		return nil, errors.New("recipient source is required")
	case len(source.Phones) > 0:
		for _, phone := range source.Phones {
			raw = append(raw, candidate{raw: phone})
		}
	case source.Filter != nil:
		contacts, err := d.contactRepo.FindByFilter(ctx, source.Filter)
		if err != nil {
			return nil, err
		}
		for _, ct := range contacts {
			raw = append(raw, candidate{raw: ct.Phone})
		}
	case source.Leads != nil:
		if d.leadSearcher == nil {
			return nil, errors.New("lead search is not configured")
		}
		leads, err := d.leadSearcher.Search(ctx, source.Leads)
		if err != nil {
			return nil, err
		}
		for _, lead := range leads {
			raw = append(raw, candidate{raw: lead.Phone, vars: lead.Variables})
		}
	default:
		return nil, errors.New("recipient source is empty")
	}

	seen := make(map[string]struct{}, len(raw))
	var recipients []resolvedRecipient
	for _, cand := range raw {
		normalized := domain.NormalizePhone(cand.raw)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		// Caller-supplied variables are keyed by the phone as submitted;
		// the normalized form is accepted too. They override lead-bound
		// variables on key collisions.
		vars := cand.vars
		if v, ok := variables[cand.raw]; ok {
			vars = mergeVariables(vars, v)
		} else if v, ok := variables[normalized]; ok {
			vars = mergeVariables(vars, v)
		}
		recipients = append(recipients, resolvedRecipient{phone: normalized, variables: vars})
	}
	return recipients, nil
}

func mergeVariables(base, overlay map[string]string) map[string]string {
	if len(base) == 0 {
		return overlay
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
