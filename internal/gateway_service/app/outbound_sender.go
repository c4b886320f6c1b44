package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// whatsappMimetypeKinds maps sendable mimetypes to the provider media kind.
// Anything not listed is a user-visible validation failure, rejected before
// any network call.
var whatsappMimetypeKinds = map[string]string{
	"text/plain":                    "document",
	"application/pdf":               "document",
	"application/vnd.ms-powerpoint": "document",
	"application/msword":            "document",
	"application/vnd.ms-excel":      "document",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "document",
	"audio/aac":  "audio",
	"audio/mp4":  "audio",
	"audio/mpeg": "audio",
	"audio/amr":  "audio",
	"audio/ogg":  "audio",
	"image/jpeg": "image",
	"image/png":  "image",
	"video/mp4":  "video",
	"video/3gp":  "video",
	"image/webp": "sticker",
}

// SendOptions tunes a single send call.
type SendOptions struct {
	// SyncConfirm makes failures surface as errors to the caller. Without it
	// (campaign and automation contexts) the failure is captured in the
	// returned SendOutcome only.
	SyncConfirm bool
}

// SendOutcome is the structured result of a send attempt.
type SendOutcome struct {
	ProviderMessageID string
	Sent              bool
	ErrorMessage      string
}

// OutboundSender sends one message through the gateway's provider adapter and
// records the initial ledger entry when a provider message id is obtained.
type OutboundSender struct {
	registry *provider.Registry
	ledger   *StatusLedger
	logger   *slog.Logger
}

func NewOutboundSender(registry *provider.Registry, ledger *StatusLedger, logger *slog.Logger) *OutboundSender {
	return &OutboundSender{
		registry: registry,
		ledger:   ledger,
		logger:   logger.With("component", "outbound_sender"),
	}
}

// Send dispatches payload to the conversation's contact. Exactly one of
// payload.Text, payload.Media, payload.Template must be set.
func (s *OutboundSender) Send(ctx context.Context, gw *domain.Gateway, conv *domain.Conversation, payload *domain.OutboundPayload, opts SendOptions) (*SendOutcome, error) {
	return s.SendTo(ctx, gw, conv.ContactToken, conv.ID, payload, opts)
}

// SendTo dispatches payload to a raw recipient token. Campaign dispatch sends
// to recipients that may have no conversation yet; conversationID is Nil then
// and the ledger entry carries only the recipient.
func (s *OutboundSender) SendTo(ctx context.Context, gw *domain.Gateway, recipient string, conversationID uuid.UUID, payload *domain.OutboundPayload, opts SendOptions) (*SendOutcome, error) {
	adapter := s.registry.For(gw)
	if adapter == nil {
		err := fmt.Errorf("no provider adapter registered for gateway type %q", gw.Type)
		return s.fail(ctx, "none", "unknown", err, opts)
	}

	switch {
	case payload.Media != nil:
		return s.sendMedia(ctx, adapter, gw, recipient, conversationID, payload.Media, opts)
	case payload.Template != nil:
		res, err := adapter.SendTemplate(ctx, gw, recipient, payload.Template)
		return s.finish(ctx, adapter.Name(), "template", recipient, conversationID, res, err, opts)
	case payload.Text != "":
		res, err := adapter.SendText(ctx, gw, recipient, payload.Text)
		return s.finish(ctx, adapter.Name(), "text", recipient, conversationID, res, err, opts)
	default:
		verr := &domain.ValidationError{Reason: "empty payload: one of text, media or template is required"}
		return s.fail(ctx, adapter.Name(), "empty", verr, opts)
	}
}

// sendMedia is the two-phase media contract: upload bytes for a handle, then
// send a message referencing it. A send failure after a successful upload is
// a failure of the whole call; handles are not reusable, so phase two is
// never retried alone.
func (s *OutboundSender) sendMedia(ctx context.Context, adapter provider.Provider, gw *domain.Gateway, recipient string, conversationID uuid.UUID, media *domain.OutboundMedia, opts SendOptions) (*SendOutcome, error) {
	mediaKind, ok := whatsappMimetypeKinds[media.MimeType]
	if !ok {
		verr := &domain.ValidationError{Field: "mime_type", Reason: fmt.Sprintf("mimetype %q is not sendable", media.MimeType)}
		return s.fail(ctx, adapter.Name(), "media", verr, opts)
	}

	handle, err := adapter.UploadMedia(ctx, gw, media)
	if err != nil {
		return s.fail(ctx, adapter.Name(), "media", err, opts)
	}

	res, err := adapter.SendMedia(ctx, gw, recipient, handle, mediaKind, media.Name, media.Caption)
	return s.finish(ctx, adapter.Name(), "media", recipient, conversationID, res, err, opts)
}

func (s *OutboundSender) finish(ctx context.Context, providerName, payloadKind string, recipient string, conversationID uuid.UUID, res *provider.SendResult, err error, opts SendOptions) (*SendOutcome, error) {
	if err != nil || res == nil || !res.IsSuccess {
		if err == nil {
			err = fmt.Errorf("send failed: %s", res.ErrorMessage)
		}
		return s.fail(ctx, providerName, payloadKind, err, opts)
	}

	outboundSendsCounter.WithLabelValues(providerName, payloadKind, "success").Inc()

	if res.ProviderMessageID != "" {
		if lerr := s.ledger.RecordSent(ctx, res.ProviderMessageID, conversationID, recipient, time.Now().UTC()); lerr != nil {
			// The message left the building; a ledger write failure must not
			// convert a delivered send into a reported failure.
			s.logger.ErrorContext(ctx, "Sent message could not be recorded in status ledger",
				"error", lerr, "provider_message_id", res.ProviderMessageID)
		}
	} else {
		s.logger.WarnContext(ctx, "Provider returned no message id; delivery status will not be tracked",
			"provider_name", providerName, "recipient", recipient)
	}

	return &SendOutcome{ProviderMessageID: res.ProviderMessageID, Sent: true}, nil
}

// fail converts an error into the fire-and-forget outcome, or surfaces it
// when the caller asked for synchronous confirmation. Validation errors are
// always surfaced: they are user input problems, not delivery problems.
func (s *OutboundSender) fail(ctx context.Context, providerName, payloadKind string, err error, opts SendOptions) (*SendOutcome, error) {
	outboundSendsCounter.WithLabelValues(providerName, payloadKind, "error").Inc()
	s.logger.WarnContext(ctx, "Outbound send failed",
		"provider_name", providerName, "payload_kind", payloadKind, "error", err)

	outcome := &SendOutcome{Sent: false, ErrorMessage: err.Error()}
	if opts.SyncConfirm || domain.IsValidation(err) {
		return outcome, err
	}
	return outcome, nil
}
