package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/agent_service/app"
	"github.com/baderhq/wagateway/internal/agent_service/domain"
	"github.com/baderhq/wagateway/internal/gateway_service/middleware"
)

// TransferRequest DTO for POST /conversations/{conversationID}/transfer.
// One of agent_id or queue_id selects the target; both empty re-routes
// through the current queue.
type TransferRequest struct {
	AgentID string `json:"agent_id,omitempty" validate:"omitempty,uuid4"`
	QueueID string `json:"queue_id,omitempty" validate:"omitempty,uuid4"`
}

// ResolveRequest DTO for POST /conversations/{conversationID}/resolve
type ResolveRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=solved abandoned expired"`
}

// AgentStatusRequest DTO for PUT /agents/status
type AgentStatusRequest struct {
	Status             string `json:"status" validate:"required,oneof=online away busy offline"`
	AutoOfflineMinutes int    `json:"auto_offline_minutes" validate:"min=0"`
}

type GenericErrorResponse struct {
	Error string `json:"error"`
}

// AssignmentHandler is the agent-facing routing surface.
type AssignmentHandler struct {
	router   *app.Router
	presence *app.Presence
	validate *validator.Validate
	logger   *slog.Logger
}

func NewAssignmentHandler(router *app.Router, presence *app.Presence, validate *validator.Validate, logger *slog.Logger) *AssignmentHandler {
	return &AssignmentHandler{
		router:   router,
		presence: presence,
		validate: validate,
		logger:   logger.With("handler", "assignment"),
	}
}

// RegisterRoutes registers assignment routes with the given router.
func (h *AssignmentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/assignments/{assignmentID}/claim", h.handleClaim)
	r.Post("/conversations/{conversationID}/transfer", h.handleTransfer)
	r.Post("/conversations/{conversationID}/resolve", h.handleResolve)
	r.Put("/agents/status", h.handleSetStatus)
	r.Post("/agents/activity", h.handleTouchActivity)
}

func (h *AssignmentHandler) handleClaim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	agentID, ok := h.authAgentID(w, r)
	if !ok {
		return
	}
	assignmentID, err := uuid.Parse(chi.URLParam(r, "assignmentID"))
	if err != nil {
		h.jsonError(w, "Invalid assignment id", http.StatusBadRequest)
		return
	}

	a, err := h.router.ClaimWaiting(ctx, assignmentID, agentID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAssignmentNotFound):
			h.jsonError(w, "Assignment not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrAssignmentNotClaimable):
			h.jsonError(w, "Assignment is not waiting", http.StatusConflict)
		default:
			logger.ErrorContext(ctx, "Failed to claim assignment", "error", err, "assignment_id", assignmentID)
			h.jsonError(w, "Failed to claim assignment", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a)
}

func (h *AssignmentHandler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.jsonError(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	var targetAgentID, targetQueueID *uuid.UUID
	if req.AgentID != "" {
		id, _ := uuid.Parse(req.AgentID)
		targetAgentID = &id
	}
	if req.QueueID != "" {
		id, _ := uuid.Parse(req.QueueID)
		targetQueueID = &id
	}

	a, err := h.router.Transfer(ctx, conversationID, targetAgentID, targetQueueID)
	if err != nil {
		if errors.Is(err, domain.ErrAssignmentNotFound) {
			h.jsonError(w, "No open assignment for conversation", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to transfer conversation", "error", err, "conversation_id", conversationID)
		h.jsonError(w, "Failed to transfer conversation", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a)
}

func (h *AssignmentHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		h.jsonError(w, "Invalid conversation id", http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	a, err := h.router.Resolve(ctx, conversationID, domain.ResolutionType(req.Resolution))
	if err != nil {
		if errors.Is(err, domain.ErrAssignmentNotFound) {
			h.jsonError(w, "No open assignment for conversation", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "Failed to resolve assignment", "error", err, "conversation_id", conversationID)
		h.jsonError(w, "Failed to resolve assignment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a)
}

func (h *AssignmentHandler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	agentID, ok := h.authAgentID(w, r)
	if !ok {
		return
	}

	var req AgentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.presence.SetStatus(ctx, agentID, domain.AgentAvailability(req.Status), req.AutoOfflineMinutes); err != nil {
		logger.ErrorContext(ctx, "Failed to set agent status", "error", err, "agent_id", agentID)
		h.jsonError(w, "Failed to set agent status", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AssignmentHandler) handleTouchActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agentID, ok := h.authAgentID(w, r)
	if !ok {
		return
	}

	if err := h.presence.TouchActivity(ctx, agentID); err != nil {
		h.jsonError(w, "Failed to record activity", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authAgentID reads the authenticated agent from the JWT context.
func (h *AssignmentHandler) authAgentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	authUser, ok := r.Context().Value(middleware.AuthenticatedUserContextKey).(middleware.AuthenticatedUser)
	if !ok || authUser.ID == "" {
		h.jsonError(w, "User not authenticated", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	agentID, err := uuid.Parse(authUser.ID)
	if err != nil {
		h.jsonError(w, "Authenticated subject is not an agent id", http.StatusForbidden)
		return uuid.Nil, false
	}
	return agentID, true
}

func (h *AssignmentHandler) jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(GenericErrorResponse{Error: message})
}
