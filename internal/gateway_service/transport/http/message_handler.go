package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/gateway_service/adapters/provider"
	"github.com/baderhq/wagateway/internal/gateway_service/app"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
	"github.com/baderhq/wagateway/internal/gateway_service/middleware"
)

// FirstResponseRecorder stamps time-to-first-response on the conversation's
// active assignment when an agent message goes out.
type FirstResponseRecorder interface {
	RecordFirstResponse(ctx context.Context, conversationID uuid.UUID, at time.Time) error
}

// MessageHandler is the authenticated agent-facing surface: manual sends,
// window inspection, delivery-status retrieval and read receipts.
type MessageHandler struct {
	gatewayRepo   domain.GatewayRepository
	convRepo      domain.ConversationRepository
	statusRepo    domain.StatusRecordRepository
	sender        *app.OutboundSender
	windowTracker *app.WindowTracker
	registry      *provider.Registry
	ledger        *app.StatusLedger
	validate      *validator.Validate
	firstResponse FirstResponseRecorder
	logger        *slog.Logger
}

// SetFirstResponseRecorder attaches the assignment collaborator. Optional; the
// handler works without one.
func (h *MessageHandler) SetFirstResponseRecorder(rec FirstResponseRecorder) {
	h.firstResponse = rec
}

func NewMessageHandler(
	gatewayRepo domain.GatewayRepository,
	convRepo domain.ConversationRepository,
	statusRepo domain.StatusRecordRepository,
	sender *app.OutboundSender,
	windowTracker *app.WindowTracker,
	registry *provider.Registry,
	ledger *app.StatusLedger,
	validate *validator.Validate,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		gatewayRepo:   gatewayRepo,
		convRepo:      convRepo,
		statusRepo:    statusRepo,
		sender:        sender,
		windowTracker: windowTracker,
		registry:      registry,
		ledger:        ledger,
		validate:      validate,
		logger:        logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages/send", h.handleSendMessage)
	r.Get("/messages/{providerMessageID}/status", h.handleGetDeliveryStatus)
	r.Post("/messages/{providerMessageID}/status/refresh", h.handleRefreshDeliveryStatus)
	r.Post("/messages/{providerMessageID}/read", h.handleMarkRead)
	r.Get("/conversations/{conversationID}/window", h.handleGetWindow)
}

func (h *MessageHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	authUser, ok := ctx.Value(middleware.AuthenticatedUserContextKey).(middleware.AuthenticatedUser)
	if !ok || authUser.ID == "" {
		logger.WarnContext(ctx, "User not authenticated for send message")
		h.jsonError(w, "User not authenticated", http.StatusUnauthorized)
		return
	}
	logger = logger.With("auth_user_id", authUser.ID)

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "Failed to decode send message request", "error", err)
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		logger.WarnContext(ctx, "Send message request validation failed", "error", err)
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	conv, gw, ok := h.loadConversation(w, r, logger, req.ConversationID)
	if !ok {
		return
	}

	payload, err := buildPayload(&req)
	if err != nil {
		logger.WarnContext(ctx, "Rejecting send request payload", "error", err)
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Manual agent sends outside the window must use a template.
	window := h.windowTracker.Status(conv, gw, time.Now().UTC())
	if window.RequiresTemplate && payload.Template == nil {
		logger.InfoContext(ctx, "Free-form send blocked outside messaging window",
			"conversation_id", conv.ID)
		h.jsonError(w, "Messaging window closed: a template message is required", http.StatusConflict)
		return
	}

	outcome, err := h.sender.Send(ctx, gw, conv, payload, app.SendOptions{SyncConfirm: req.SyncConfirm})
	if err != nil {
		status := http.StatusBadGateway
		if domain.IsValidation(err) {
			status = http.StatusBadRequest
		}
		h.jsonError(w, err.Error(), status)
		return
	}

	logger.InfoContext(ctx, "Message sent",
		"conversation_id", conv.ID, "provider_message_id", outcome.ProviderMessageID)

	if h.firstResponse != nil && outcome.Sent {
		if err := h.firstResponse.RecordFirstResponse(ctx, conv.ID, time.Now().UTC()); err != nil {
			logger.WarnContext(ctx, "Failed to record first response",
				"error", err, "conversation_id", conv.ID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SendMessageResponse{
		ProviderMessageID: outcome.ProviderMessageID,
		Sent:              outcome.Sent,
		ErrorMessage:      outcome.ErrorMessage,
	})
}

func (h *MessageHandler) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	conv, gw, ok := h.loadConversation(w, r, logger, chi.URLParam(r, "conversationID"))
	if !ok {
		return
	}

	window := h.windowTracker.Status(conv, gw, time.Now().UTC())
	logger.DebugContext(ctx, "Window status computed",
		"conversation_id", conv.ID, "window_active", window.WindowActive)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(WindowStatusResponse{
		WindowActive:     window.WindowActive,
		RequiresTemplate: window.RequiresTemplate,
		HoursRemaining:   window.HoursRemaining,
		ExpiresAt:        window.ExpiresAt,
	})
}

func (h *MessageHandler) handleGetDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	providerMessageID := chi.URLParam(r, "providerMessageID")
	rec, err := h.statusRepo.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrStatusRecordNotFound) {
			h.jsonError(w, "Message not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to load delivery status record",
			"error", err, "provider_message_id", providerMessageID)
		h.jsonError(w, "Failed to retrieve delivery status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DeliveryStatusResponse{
		ProviderMessageID: rec.ProviderMessageID,
		Status:            rec.Status,
		SentAt:            rec.SentAt,
		DeliveredAt:       rec.DeliveredAt,
		ReadAt:            rec.ReadAt,
		FailedAt:          rec.FailedAt,
		Error:             rec.Error,
	})
}

// handleRefreshDeliveryStatus polls the provider for the message's current
// state and feeds it through the ledger, so the rank guard applies exactly as
// it does to pushed callbacks. Only providers with a pollable status surface
// support this.
func (h *MessageHandler) handleRefreshDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	providerMessageID := chi.URLParam(r, "providerMessageID")
	rec, err := h.statusRepo.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrStatusRecordNotFound) {
			h.jsonError(w, "Message not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to load delivery status record",
			"error", err, "provider_message_id", providerMessageID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conv, err := h.convRepo.GetByID(ctx, rec.ConversationID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load conversation for status refresh",
			"error", err, "conversation_id", rec.ConversationID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	gw, err := h.gatewayRepo.GetByID(ctx, conv.GatewayID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load gateway for status refresh",
			"error", err, "gateway_id", conv.GatewayID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	querier, ok := h.registry.For(gw).(provider.StatusQuerier)
	if !ok {
		h.jsonError(w, "Provider does not support status polling", http.StatusConflict)
		return
	}

	status, err := querier.QueryStatus(ctx, gw, providerMessageID)
	if err != nil {
		logger.WarnContext(ctx, "Provider status poll failed",
			"error", err, "provider_message_id", providerMessageID)
		h.jsonError(w, "Failed to query provider status", http.StatusBadGateway)
		return
	}
	h.ledger.ApplyStatus(ctx, providerMessageID, status, time.Now().UTC(), nil)

	rec, err = h.statusRepo.GetByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to reload delivery status record",
			"error", err, "provider_message_id", providerMessageID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(DeliveryStatusResponse{
		ProviderMessageID: rec.ProviderMessageID,
		Status:            rec.Status,
		SentAt:            rec.SentAt,
		DeliveredAt:       rec.DeliveredAt,
		ReadAt:            rec.ReadAt,
		FailedAt:          rec.FailedAt,
		Error:             rec.Error,
	})
}

// handleMarkRead sends a read receipt upstream for an inbound message. Best
// effort; the provider surface has no confirmation semantics for receipts.
func (h *MessageHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	var req struct {
		GatewayID string `json:"gateway_id" validate:"required,uuid4"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	gatewayID, err := uuid.Parse(req.GatewayID)
	if err != nil {
		h.jsonError(w, "Invalid gateway id", http.StatusBadRequest)
		return
	}

	gw, err := h.gatewayRepo.GetByID(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayNotFound) {
			h.jsonError(w, "Gateway not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to load gateway", "error", err, "gateway_id", gatewayID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	adapter := h.registry.For(gw)
	if adapter == nil {
		h.jsonError(w, "No provider adapter for gateway", http.StatusInternalServerError)
		return
	}

	providerMessageID := chi.URLParam(r, "providerMessageID")
	if err := adapter.MarkRead(ctx, gw, providerMessageID); err != nil {
		logger.WarnContext(ctx, "Failed to send read receipt",
			"error", err, "provider_message_id", providerMessageID)
		h.jsonError(w, "Failed to send read receipt", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// loadConversation resolves a conversation id and its gateway, writing the
// HTTP error response itself when either lookup fails.
func (h *MessageHandler) loadConversation(w http.ResponseWriter, r *http.Request, logger *slog.Logger, rawID string) (*domain.Conversation, *domain.Gateway, bool) {
	ctx := r.Context()

	convID, err := uuid.Parse(rawID)
	if err != nil {
		h.jsonError(w, "Invalid conversation id", http.StatusBadRequest)
		return nil, nil, false
	}

	conv, err := h.convRepo.GetByID(ctx, convID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			h.jsonError(w, "Conversation not found", http.StatusNotFound)
			return nil, nil, false
		}
		logger.ErrorContext(ctx, "Failed to load conversation", "error", err, "conversation_id", convID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return nil, nil, false
	}

	gw, err := h.gatewayRepo.GetByID(ctx, conv.GatewayID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load gateway for conversation",
			"error", err, "conversation_id", convID, "gateway_id", conv.GatewayID)
		h.jsonError(w, "Internal server error", http.StatusInternalServerError)
		return nil, nil, false
	}
	return conv, gw, true
}

func buildPayload(req *SendMessageRequest) (*domain.OutboundPayload, error) {
	set := 0
	if req.Text != "" {
		set++
	}
	if req.Template != nil {
		set++
	}
	if req.Media != nil {
		set++
	}
	if set != 1 {
		return nil, errors.New("exactly one of text, template or media must be set")
	}

	payload := &domain.OutboundPayload{Text: req.Text}
	if req.Template != nil {
		payload.Template = &domain.TemplateSend{
			Name:      req.Template.Name,
			Language:  req.Template.Language,
			Variables: req.Template.Variables,
		}
	}
	if req.Media != nil {
		data, err := base64.StdEncoding.DecodeString(req.Media.DataBase64)
		if err != nil {
			return nil, errors.New("media data is not valid base64")
		}
		payload.Media = &domain.OutboundMedia{
			Name:     req.Media.Name,
			MimeType: req.Media.MimeType,
			Data:     data,
			Caption:  req.Media.Caption,
		}
	}
	return payload, nil
}

func (h *MessageHandler) jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(GenericErrorResponse{Error: message})
}
