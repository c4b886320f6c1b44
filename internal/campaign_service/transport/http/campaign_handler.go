package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/campaign_service/app"
	"github.com/baderhq/wagateway/internal/campaign_service/domain"
)

// CreateCampaignRequest DTO for POST /campaigns
type CreateCampaignRequest struct {
	Name             string     `json:"name" validate:"required"`
	GatewayID        string     `json:"gateway_id" validate:"required,uuid4"`
	TemplateName     string     `json:"template_name" validate:"required"`
	TemplateLanguage string     `json:"template_language" validate:"required"`
	RateLimit        int        `json:"rate_limit" validate:"min=0"`
	BatchSize        int        `json:"batch_size" validate:"required,min=1"`
	BatchDelaySecs   int        `json:"batch_delay_seconds" validate:"min=0"`
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
}

// PrepareCampaignRequest DTO for POST /campaigns/{campaignID}/prepare
type PrepareCampaignRequest struct {
	Phones    []string                     `json:"phones,omitempty"`
	Filter    *domain.ContactFilter        `json:"filter,omitempty"`
	Leads     *domain.LeadQuery            `json:"leads,omitempty"`
	Variables map[string]map[string]string `json:"variables,omitempty"`
}

type GenericErrorResponse struct {
	Error string `json:"error"`
}

// CampaignHandler exposes campaign lifecycle control. Dispatch itself happens
// in the worker; these endpoints only flip state and emit wake-ups.
type CampaignHandler struct {
	campaignRepo domain.CampaignRepository
	dispatcher   *app.Dispatcher
	validate     *validator.Validate
	logger       *slog.Logger
}

func NewCampaignHandler(campaignRepo domain.CampaignRepository, dispatcher *app.Dispatcher, validate *validator.Validate, logger *slog.Logger) *CampaignHandler {
	return &CampaignHandler{
		campaignRepo: campaignRepo,
		dispatcher:   dispatcher,
		validate:     validate,
		logger:       logger.With("handler", "campaign"),
	}
}

// RegisterRoutes registers campaign routes with the given router.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Post("/campaigns", h.handleCreate)
	r.Post("/campaigns/{campaignID}/prepare", h.handlePrepare)
	r.Post("/campaigns/{campaignID}/start", h.lifecycle(h.dispatcher.Start, "start"))
	r.Post("/campaigns/{campaignID}/pause", h.lifecycle(h.dispatcher.Pause, "pause"))
	r.Post("/campaigns/{campaignID}/resume", h.lifecycle(h.dispatcher.Resume, "resume"))
	r.Post("/campaigns/{campaignID}/cancel", h.lifecycle(h.dispatcher.Cancel, "cancel"))
	r.Get("/campaigns/{campaignID}/progress", h.handleProgress)
}

func (h *CampaignHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		h.jsonError(w, "Validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	gatewayID, err := uuid.Parse(req.GatewayID)
	if err != nil {
		h.jsonError(w, "Invalid gateway id", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	state := domain.CampaignDraft
	if req.ScheduledAt != nil {
		state = domain.CampaignScheduled
	}
	c := &domain.Campaign{
		ID:        uuid.New(),
		Name:      req.Name,
		GatewayID: gatewayID,
		State:     state,
		Template: domain.TemplateRef{
			Name:     req.TemplateName,
			Language: req.TemplateLanguage,
		},
		RateLimit:   req.RateLimit,
		BatchSize:   req.BatchSize,
		BatchDelay:  time.Duration(req.BatchDelaySecs) * time.Second,
		ScheduledAt: req.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.campaignRepo.Create(ctx, c); err != nil {
		logger.ErrorContext(ctx, "Failed to create campaign", "error", err)
		h.jsonError(w, "Failed to create campaign", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Campaign created", "campaign_id", c.ID, "state", string(c.State))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

func (h *CampaignHandler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	var req PrepareCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	source := &domain.RecipientSource{Phones: req.Phones, Filter: req.Filter, Leads: req.Leads}
	count, err := h.dispatcher.Prepare(ctx, campaignID, source, req.Variables)
	if err != nil {
		h.writeDomainError(w, logger, r, err, "Failed to prepare campaign")
		return
	}

	logger.InfoContext(ctx, "Campaign prepared", "campaign_id", campaignID, "recipients", count)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"recipients": count})
}

func (h *CampaignHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	campaignID, ok := h.campaignID(w, r)
	if !ok {
		return
	}

	c, err := h.dispatcher.Progress(ctx, campaignID)
	if err != nil {
		h.writeDomainError(w, logger, r, err, "Failed to load campaign progress")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c)
}

// lifecycle adapts a dispatcher state-flip operation into a handler.
func (h *CampaignHandler) lifecycle(op func(context.Context, uuid.UUID) error, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := chi_middleware.GetReqID(ctx)
		logger := h.logger.With("request_id", requestID, "operation", name)

		campaignID, ok := h.campaignID(w, r)
		if !ok {
			return
		}

		if err := op(ctx, campaignID); err != nil {
			h.writeDomainError(w, logger, r, err, "Campaign "+name+" failed")
			return
		}

		logger.InfoContext(ctx, "Campaign lifecycle operation applied", "campaign_id", campaignID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *CampaignHandler) campaignID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		h.jsonError(w, "Invalid campaign id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *CampaignHandler) writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrCampaignNotFound):
		h.jsonError(w, "Campaign not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidStateTransition):
		h.jsonError(w, err.Error(), http.StatusConflict)
	default:
		logger.ErrorContext(r.Context(), fallback, "error", err)
		h.jsonError(w, fallback, http.StatusInternalServerError)
	}
}

func (h *CampaignHandler) jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(GenericErrorResponse{Error: message})
}
