package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
	"github.com/baderhq/wagateway/internal/platform/messagebroker"
)

// maxRelayDepth caps the reply relay-chain traversal so a pathological chain
// of relays cannot loop the processor.
const maxRelayDepth = 5

// natsInboundSubjectPrefix is the prefix for normalized inbound events;
// the message kind is appended (gateway.inbound.text, gateway.inbound.image...).
const natsInboundSubjectPrefix = "gateway.inbound."

// AssignmentHook lets the agent router react to a newly created conversation.
// Failures are logged and never abort ingestion.
type AssignmentHook interface {
	OnNewConversation(ctx context.Context, gw *domain.Gateway, conv *domain.Conversation)
}

// InboundProcessor consumes webhook payloads and materializes conversations,
// messages and window updates. It is idempotent over provider retries and
// never fails the transport layer for per-unit errors: one bad message in a
// batch must not trigger a retry storm for its siblings.
type InboundProcessor struct {
	convRepo      domain.ConversationRepository
	msgStore      domain.MessageStore
	windowTracker *WindowTracker
	ledger        *StatusLedger
	registry      *provider.Registry
	natsClient    messagebroker.NATSClient
	logger        *slog.Logger
	assignHook    AssignmentHook
}

func NewInboundProcessor(
	convRepo domain.ConversationRepository,
	msgStore domain.MessageStore,
	windowTracker *WindowTracker,
	ledger *StatusLedger,
	registry *provider.Registry,
	natsClient messagebroker.NATSClient,
	logger *slog.Logger,
) *InboundProcessor {
	return &InboundProcessor{
		convRepo:      convRepo,
		msgStore:      msgStore,
		windowTracker: windowTracker,
		ledger:        ledger,
		registry:      registry,
		natsClient:    natsClient,
		logger:        logger.With("component", "inbound_processor"),
	}
}

// SetAssignmentHook wires the agent router for new-conversation auto-assign.
func (p *InboundProcessor) SetAssignmentHook(h AssignmentHook) {
	p.assignHook = h
}

// Ingest processes one webhook update for a gateway and returns the
// normalized events for downstream fan-out. Per-unit failures are logged and
// skipped; the call itself succeeds so the transport can acknowledge the
// provider.
func (p *InboundProcessor) Ingest(ctx context.Context, gw *domain.Gateway, update *domain.WebhookUpdate) []domain.InboundEvent {
	var events []domain.InboundEvent
	if update == nil {
		return events
	}

	for _, entry := range update.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			value := change.Value

			for i := range value.Messages {
				ev, err := p.processMessage(ctx, gw, &value.Messages[i], &value)
				if err != nil {
					p.logger.WarnContext(ctx, "Failed to process inbound message unit",
						"error", err, "provider_message_id", value.Messages[i].ID)
					continue
				}
				if ev != nil {
					events = append(events, *ev)
				}
			}

			for i := range value.Statuses {
				p.processStatus(ctx, &value.Statuses[i])
			}
		}
	}

	return events
}

// processStatus feeds a delivery-status callback unit into the ledger.
func (p *InboundProcessor) processStatus(ctx context.Context, st *domain.WebhookStatus) {
	if st.ID == "" || st.Status == "" {
		p.logger.WarnContext(ctx, "Dropping status unit without id or status")
		return
	}

	var errInfo *core_domain.StatusError
	if st.Status == string(core_domain.StatusFailed) && len(st.Errors) > 0 {
		e := st.Errors[0]
		errInfo = &core_domain.StatusError{
			Code:    strconv.Itoa(e.Code),
			Title:   e.Title,
			Message: e.Message,
			Details: e.ErrorData.Details,
		}
	}

	p.ledger.ApplyStatus(ctx, st.ID, core_domain.MessageStatus(st.Status), parseUnixTimestamp(st.Timestamp), errInfo)
}

func (p *InboundProcessor) processMessage(ctx context.Context, gw *domain.Gateway, msg *domain.WebhookMessage, value *domain.WebhookValue) (*domain.InboundEvent, error) {
	if msg.ID == "" {
		// No dedup key; providers retry webhooks, so an id-less unit cannot
		// be safely materialized.
		p.logger.WarnContext(ctx, "Dropping inbound message without provider id", "from", msg.From)
		inboundMessagesProcessedCounter.WithLabelValues("unknown", "skipped").Inc()
		return nil, nil
	}

	if existing, err := p.msgStore.FindByProviderID(ctx, msg.ID); err != nil && err != domain.ErrMessageNotFound {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	} else if existing != nil {
		p.logger.DebugContext(ctx, "Duplicate webhook delivery ignored", "provider_message_id", msg.ID)
		inboundMessagesProcessedCounter.WithLabelValues(string(existing.Kind), "duplicate").Inc()
		return nil, nil
	}

	conv, err := p.resolveConversation(ctx, gw, msg.From, value)
	if err != nil {
		inboundMessagesProcessedCounter.WithLabelValues(classifyKind(msg), "error").Inc()
		return nil, fmt.Errorf("failed to resolve conversation for %q: %w", msg.From, err)
	}

	receivedAt := parseUnixTimestamp(msg.Timestamp)
	if err := p.windowTracker.RecordCustomerMessage(ctx, conv, receivedAt); err != nil {
		// Window bookkeeping failure is not fatal to materialization.
		p.logger.WarnContext(ctx, "Failed to update messaging window",
			"error", err, "conversation_id", conv.ID)
	}

	kind := domain.MessageKind(classifyKind(msg))
	switch kind {
	case domain.KindReaction:
		p.processReaction(ctx, conv, msg)
		return nil, nil
	case domain.KindUnsupported:
		p.logger.WarnContext(ctx, "Skipping unsupported message type",
			"type", msg.Type, "provider_message_id", msg.ID)
		inboundMessagesProcessedCounter.WithLabelValues(string(kind), "skipped").Inc()
		return nil, nil
	}

	stored := &domain.StoredMessage{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		Direction:      "in",
		Kind:           kind,
		AuthorRef:      msg.From,
		SentAt:         receivedAt,
		CreatedAt:      time.Now().UTC(),
	}

	switch kind {
	case domain.KindText:
		stored.Body = msg.Text.Body
	case domain.KindLocation:
		stored.Body = fmt.Sprintf(
			"https://www.google.com/maps/search/?api=1&query=%v,%v",
			msg.Location.Latitude, msg.Location.Longitude)
	default:
		// Media kinds. A failed fetch drops the attachment, not the message.
		if att := p.fetchAttachment(ctx, gw, msg); att != nil {
			stored.Attachments = []domain.Attachment{*att}
		}
		if media := msg.Media(); media != nil && media.Caption != "" {
			stored.Body = media.Caption
		}
	}

	isReply := msg.Context != nil && msg.Context.ID != ""
	var replyOriginal *domain.StoredMessage
	if isReply {
		replyOriginal = p.resolveReplyTarget(ctx, stored, msg.Context.ID)
	} else {
		stored.ProviderMessageID = msg.ID
	}

	if err := p.msgStore.Create(ctx, stored); err != nil {
		inboundMessagesProcessedCounter.WithLabelValues(string(kind), "error").Inc()
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if isReply {
		if replyOriginal != nil {
			p.mirrorReplyAcrossRelays(ctx, stored, replyOriginal)
		}
		// The provider id is set only after relay propagation, so a crash
		// mid-chain lets the retried webhook redo the work.
		if err := p.msgStore.SetProviderMessageID(ctx, stored.ID, msg.ID); err != nil {
			p.logger.ErrorContext(ctx, "Failed to mark reply with provider id",
				"error", err, "message_id", stored.ID)
		} else {
			stored.ProviderMessageID = msg.ID
		}
	}

	inboundMessagesProcessedCounter.WithLabelValues(string(kind), "ok").Inc()

	ev := domain.InboundEvent{
		GatewayID:         gw.ID,
		ConversationID:    conv.ID,
		MessageID:         stored.ID,
		ProviderMessageID: msg.ID,
		ContactToken:      conv.ContactToken,
		Kind:              kind,
		Body:              stored.Body,
		ReceivedAt:        receivedAt,
	}
	p.publishEvent(ctx, &ev)
	return &ev, nil
}

// resolveConversation finds or creates the conversation for a sender token.
// Creation is only ever allowed here, on inbound traffic.
func (p *InboundProcessor) resolveConversation(ctx context.Context, gw *domain.Gateway, contactToken string, value *domain.WebhookValue) (*domain.Conversation, error) {
	conv, err := p.convRepo.FindByContact(ctx, gw.ID, contactToken)
	if err == nil {
		return conv, nil
	}
	if err != domain.ErrConversationNotFound {
		return nil, err
	}

	contactName := ""
	for _, c := range value.Contacts {
		if c.WaID == contactToken {
			contactName = c.Profile.Name
			break
		}
	}

	conv = domain.NewConversation(gw.ID, contactToken, contactName)
	if err := p.convRepo.Create(ctx, conv); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "Conversation created for inbound contact",
		"conversation_id", conv.ID, "gateway_id", gw.ID, "contact_token", contactToken)

	if p.assignHook != nil {
		p.assignHook.OnNewConversation(ctx, gw, conv)
	}
	return conv, nil
}

// fetchAttachment resolves and downloads inbound media. Either fetch can fail
// independently; failures are logged and return nil so sibling messages in
// the payload continue processing.
func (p *InboundProcessor) fetchAttachment(ctx context.Context, gw *domain.Gateway, msg *domain.WebhookMessage) *domain.Attachment {
	media := msg.Media()
	if media == nil {
		return nil
	}

	adapter := p.registry.For(gw)
	if adapter == nil {
		p.logger.WarnContext(ctx, "No provider adapter for gateway; attachment skipped", "gateway_id", gw.ID)
		attachmentFetchFailuresCounter.Inc()
		return nil
	}

	url := media.URL
	if url == "" && media.ID != "" {
		resolved, err := adapter.ResolveMediaURL(ctx, gw, media.ID)
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to resolve media url",
				"error", err, "media_id", media.ID, "provider_message_id", msg.ID)
			attachmentFetchFailuresCounter.Inc()
			return nil
		}
		url = resolved
	}
	if url == "" {
		return nil
	}

	data, mimeType, err := adapter.FetchMedia(ctx, gw, url)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to download media",
			"error", err, "provider_message_id", msg.ID)
		attachmentFetchFailuresCounter.Inc()
		return nil
	}
	if mimeType == "" {
		mimeType = media.MimeType
	}

	name := media.Filename
	if name == "" {
		ext := ""
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			ext = exts[0]
		}
		name = media.ID + ext
	}

	return &domain.Attachment{Name: name, MimeType: mimeType, Data: data}
}

// processReaction annotates the target message. Reactions are non-critical:
// an unknown target is logged and dropped, never retried.
func (p *InboundProcessor) processReaction(ctx context.Context, conv *domain.Conversation, msg *domain.WebhookMessage) {
	targetID := msg.Reaction.MessageID
	if targetID == "" {
		inboundMessagesProcessedCounter.WithLabelValues(string(domain.KindReaction), "skipped").Inc()
		return
	}

	target, err := p.msgStore.FindByProviderID(ctx, targetID)
	if err != nil || target == nil {
		p.logger.WarnContext(ctx, "Reaction for unknown target message",
			"target_provider_message_id", targetID, "conversation_id", conv.ID)
		inboundMessagesProcessedCounter.WithLabelValues(string(domain.KindReaction), "skipped").Inc()
		return
	}

	emoji := msg.Reaction.Emoji
	if emoji == "" {
		p.logger.InfoContext(ctx, "Reaction removed",
			"target_message_id", target.ID, "conversation_id", conv.ID)
		inboundMessagesProcessedCounter.WithLabelValues(string(domain.KindReaction), "ok").Inc()
		return
	}

	reaction := &domain.StoredMessage{
		ID:                uuid.New(),
		ConversationID:    conv.ID,
		ProviderMessageID: msg.ID,
		Direction:         "in",
		Kind:              domain.KindReaction,
		Body:              emoji,
		AuthorRef:         msg.From,
		ReplyToID:         &target.ID,
		SentAt:            parseUnixTimestamp(msg.Timestamp),
		CreatedAt:         time.Now().UTC(),
	}
	if err := p.msgStore.Create(ctx, reaction); err != nil {
		p.logger.WarnContext(ctx, "Failed to persist reaction",
			"error", err, "target_message_id", target.ID)
		inboundMessagesProcessedCounter.WithLabelValues(string(domain.KindReaction), "error").Inc()
		return
	}
	inboundMessagesProcessedCounter.WithLabelValues(string(domain.KindReaction), "ok").Inc()
}

// resolveReplyTarget links a reply to its original message before persisting.
// An unknown original downgrades the reply to a plain message with a warning.
func (p *InboundProcessor) resolveReplyTarget(ctx context.Context, reply *domain.StoredMessage, originalProviderID string) *domain.StoredMessage {
	original, err := p.msgStore.FindByProviderID(ctx, originalProviderID)
	if err != nil || original == nil {
		p.logger.WarnContext(ctx, "Reply references unknown original message",
			"original_provider_message_id", originalProviderID)
		return nil
	}
	reply.ReplyToID = &original.ID
	return original
}

// mirrorReplyAcrossRelays walks the relay chain of the original message: when
// the original was itself relayed from another internal record, the reply is
// mirrored onto that record's conversation too. Traversal is an explicit
// id-based walk with a depth cap.
func (p *InboundProcessor) mirrorReplyAcrossRelays(ctx context.Context, reply, original *domain.StoredMessage) {
	ancestor := original
	for depth := 0; depth < maxRelayDepth && ancestor.RelayOfID != nil; depth++ {
		next, err := p.msgStore.GetByID(ctx, *ancestor.RelayOfID)
		if err != nil || next == nil {
			p.logger.WarnContext(ctx, "Relay chain broken; stopping traversal",
				"message_id", ancestor.ID)
			break
		}
		ancestor = next
	}
	if ancestor.ID == original.ID {
		return
	}

	mirrored := &domain.StoredMessage{
		ID:             uuid.New(),
		ConversationID: ancestor.ConversationID,
		Direction:      reply.Direction,
		Kind:           reply.Kind,
		Body:           reply.Body,
		AuthorRef:      reply.AuthorRef,
		ReplyToID:      &ancestor.ID,
		SentAt:         reply.SentAt,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.msgStore.Create(ctx, mirrored); err != nil {
		p.logger.WarnContext(ctx, "Failed to mirror reply onto relay root",
			"error", err, "relay_root_id", ancestor.ID)
	}
}

// publishEvent fans the normalized event out to automation, chatbot and
// analytics consumers. Their failures never roll back materialization.
func (p *InboundProcessor) publishEvent(ctx context.Context, ev *domain.InboundEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to marshal inbound event", "error", err)
		return
	}
	subject := natsInboundSubjectPrefix + string(ev.Kind)
	if err := p.natsClient.Publish(ctx, subject, data); err != nil {
		p.logger.WarnContext(ctx, "Failed to publish inbound event",
			"error", err, "subject", subject)
	}
}

func classifyKind(msg *domain.WebhookMessage) string {
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return string(domain.KindUnsupported)
		}
		return string(domain.KindText)
	case "image", "audio", "video", "document", "sticker":
		return msg.Type
	case "location":
		if msg.Location == nil {
			return string(domain.KindUnsupported)
		}
		return string(domain.KindLocation)
	case "reaction":
		if msg.Reaction == nil {
			return string(domain.KindUnsupported)
		}
		return string(domain.KindReaction)
	default:
		return string(domain.KindUnsupported)
	}
}

// parseUnixTimestamp converts the provider's epoch-seconds string, falling
// back to now for malformed values.
func parseUnixTimestamp(ts string) time.Time {
	if ts == "" {
		return time.Now().UTC()
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
