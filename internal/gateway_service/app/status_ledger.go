package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// FailureListener is informed when a tracked message reaches a terminal
// failed state, so owning entities (campaign messages, notifications) can
// mark themselves failed. The ledger knows nothing about campaigns.
type FailureListener interface {
	OnMessageFailed(ctx context.Context, providerMessageID string, errInfo *core_domain.StatusError)
}

// StatusListener receives every applied non-failure transition. Used to
// propagate delivered/read onto correlated records.
type StatusListener interface {
	OnStatusApplied(ctx context.Context, providerMessageID string, status core_domain.MessageStatus, at time.Time)
}

// StatusLedger is the single source of truth for per-message delivery state.
// Transitions are rank-guarded, which makes duplicate and out-of-order
// callbacks commutative-safe without locking beyond per-record atomicity.
type StatusLedger struct {
	statusRepo       domain.StatusRecordRepository
	logger           *slog.Logger
	failureListeners []FailureListener
	statusListeners  []StatusListener
}

func NewStatusLedger(statusRepo domain.StatusRecordRepository, logger *slog.Logger) *StatusLedger {
	return &StatusLedger{
		statusRepo: statusRepo,
		logger:     logger.With("component", "status_ledger"),
	}
}

// AddFailureListener registers a collaborator informed on failed transitions.
func (l *StatusLedger) AddFailureListener(fl FailureListener) {
	l.failureListeners = append(l.failureListeners, fl)
}

// AddStatusListener registers a collaborator informed on applied transitions.
func (l *StatusLedger) AddStatusListener(sl StatusListener) {
	l.statusListeners = append(l.statusListeners, sl)
}

// RecordSent creates a record in state sent for the provider message id.
// Idempotent: a duplicate send acknowledgement for an existing id is a no-op.
func (l *StatusLedger) RecordSent(ctx context.Context, providerMessageID string, conversationID uuid.UUID, recipient string, at time.Time) error {
	existing, err := l.statusRepo.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil && err != domain.ErrStatusRecordNotFound {
		return err
	}
	if existing != nil {
		l.logger.DebugContext(ctx, "Duplicate send acknowledgement ignored",
			"provider_message_id", providerMessageID)
		return nil
	}

	rec := core_domain.NewDeliveryStatusRecord(providerMessageID, conversationID, recipient, at)
	if err := l.statusRepo.Create(ctx, rec); err != nil {
		l.logger.ErrorContext(ctx, "Failed to create delivery status record",
			"error", err, "provider_message_id", providerMessageID)
		return err
	}
	statusTransitionsCounter.WithLabelValues(string(core_domain.StatusSent), "applied").Inc()
	return nil
}

// ApplyStatus applies a status callback to the record for providerMessageID.
// Unknown ids are logged as orphan warnings, never raised: a halted caller
// would only trigger a provider retry storm. Regressions (a late "delivered"
// after "read") are dropped.
func (l *StatusLedger) ApplyStatus(ctx context.Context, providerMessageID string, newStatus core_domain.MessageStatus, at time.Time, errInfo *core_domain.StatusError) {
	if !newStatus.IsValid() {
		l.logger.WarnContext(ctx, "Ignoring callback with unknown status",
			"provider_message_id", providerMessageID, "status", string(newStatus))
		statusTransitionsCounter.WithLabelValues(string(newStatus), "dropped").Inc()
		return
	}

	rec, err := l.statusRepo.GetByProviderMessageID(ctx, providerMessageID)
	if err == domain.ErrStatusRecordNotFound {
		l.logger.WarnContext(ctx, "Status callback for unknown message",
			"provider_message_id", providerMessageID, "status", string(newStatus))
		statusTransitionsCounter.WithLabelValues(string(newStatus), "orphan").Inc()
		return
	}
	if err != nil {
		l.logger.ErrorContext(ctx, "Failed to load delivery status record",
			"error", err, "provider_message_id", providerMessageID)
		return
	}

	if !rec.Status.CanTransitionTo(newStatus) {
		l.logger.DebugContext(ctx, "Dropping out-of-order status callback",
			"provider_message_id", providerMessageID,
			"current_status", string(rec.Status), "new_status", string(newStatus))
		statusTransitionsCounter.WithLabelValues(string(newStatus), "dropped").Inc()
		return
	}

	rec.Apply(newStatus, at, errInfo)
	if err := l.statusRepo.Update(ctx, rec); err != nil {
		l.logger.ErrorContext(ctx, "Failed to persist delivery status transition",
			"error", err, "provider_message_id", providerMessageID, "new_status", string(newStatus))
		return
	}
	statusTransitionsCounter.WithLabelValues(string(newStatus), "applied").Inc()

	l.logger.InfoContext(ctx, "Delivery status updated",
		"provider_message_id", providerMessageID, "new_status", string(newStatus))

	if newStatus == core_domain.StatusFailed {
		for _, fl := range l.failureListeners {
			fl.OnMessageFailed(ctx, providerMessageID, errInfo)
		}
		return
	}
	for _, sl := range l.statusListeners {
		sl.OnStatusApplied(ctx, providerMessageID, newStatus, at)
	}
}
