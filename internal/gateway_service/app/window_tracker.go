package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// WindowTracker maintains the per-conversation rolling messaging window
// derived from the last customer-originated message.
type WindowTracker struct {
	convRepo domain.ConversationRepository
	logger   *slog.Logger
}

func NewWindowTracker(convRepo domain.ConversationRepository, logger *slog.Logger) *WindowTracker {
	return &WindowTracker{
		convRepo: convRepo,
		logger:   logger.With("component", "window_tracker"),
	}
}

// RecordCustomerMessage stores at as the conversation's last customer contact.
// Last-write-wins on purpose: the field models "most recent contact", not a
// running maximum, so an earlier at still overwrites.
func (t *WindowTracker) RecordCustomerMessage(ctx context.Context, conv *domain.Conversation, at time.Time) error {
	at = at.UTC()
	if err := t.convRepo.SetLastCustomerMessageAt(ctx, conv.ID, at); err != nil {
		t.logger.ErrorContext(ctx, "Failed to record customer message timestamp",
			"error", err, "conversation_id", conv.ID)
		return err
	}
	conv.LastCustomerMessageAt = &at
	return nil
}

// Status computes the window purely from stored state and now. No side
// effects; safe to call concurrently and repeatedly.
func (t *WindowTracker) Status(conv *domain.Conversation, gw *domain.Gateway, now time.Time) domain.WindowStatus {
	return conv.WindowStatusAt(gw, now)
}
