package http

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/gateway_service/app"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

const signatureHeader = "X-Hub-Signature-256"

// WebhookHandler terminates the provider's webhook surface for one gateway:
// the GET verification handshake and the POST event delivery.
type WebhookHandler struct {
	gatewayRepo domain.GatewayRepository
	processor   *app.InboundProcessor
	logger      *slog.Logger
}

func NewWebhookHandler(gatewayRepo domain.GatewayRepository, processor *app.InboundProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		gatewayRepo: gatewayRepo,
		processor:   processor,
		logger:      logger.With("handler", "webhook"),
	}
}

// RegisterRoutes registers the webhook routes. These are unauthenticated by
// design; the POST leg is protected by the HMAC signature instead.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Get("/webhooks/{gatewayID}", h.handleVerify)
	r.Post("/webhooks/{gatewayID}", h.handleReceive)
}

// handleVerify answers the provider's subscription handshake: echo
// hub.challenge when hub.verify_token matches the gateway's configured token,
// and flip the gateway to integrated.
func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	gw, ok := h.loadGateway(w, r, logger)
	if !ok {
		return
	}

	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || token == "" || token != gw.VerifyToken {
		logger.WarnContext(ctx, "Webhook verification rejected",
			"gateway_id", gw.ID, "mode", mode)
		http.Error(w, "Verification failed", http.StatusForbidden)
		return
	}

	if gw.WebhookState != domain.WebhookIntegrated {
		if err := h.gatewayRepo.UpdateWebhookState(ctx, gw.ID, domain.WebhookIntegrated); err != nil {
			logger.ErrorContext(ctx, "Failed to mark webhook integrated",
				"error", err, "gateway_id", gw.ID)
			// Still answer the challenge; the provider retries the handshake
			// and the state flips on a later attempt.
		}
	}

	logger.InfoContext(ctx, "Webhook verified", "gateway_id", gw.ID)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleReceive ingests one webhook delivery. The signature over the raw body
// is checked before any parsing; a bad signature is the only non-200 outcome.
// Everything after authentication answers 200 so the provider does not retry
// payloads we have already accepted responsibility for.
func (h *WebhookHandler) handleReceive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi_middleware.GetReqID(ctx)
	logger := h.logger.With("request_id", requestID)

	gw, ok := h.loadGateway(w, r, logger)
	if !ok {
		return
	}
	logger = logger.With("gateway_id", gw.ID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read webhook body", "error", err)
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	if gw.WebhookSecret != "" {
		if err := verifySignature(gw.WebhookSecret, body, r.Header.Get(signatureHeader)); err != nil {
			logger.WarnContext(ctx, "Webhook signature rejected", "error", err)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var update domain.WebhookUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		// Authenticated but malformed: acknowledge so the provider does not
		// redeliver a body that will never parse.
		logger.WarnContext(ctx, "Discarding unparseable webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	events := h.processor.Ingest(ctx, gw, &update)
	logger.InfoContext(ctx, "Webhook delivery processed", "events", len(events))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "processed"})
}

func (h *WebhookHandler) loadGateway(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*domain.Gateway, bool) {
	ctx := r.Context()
	gatewayID, err := uuid.Parse(chi.URLParam(r, "gatewayID"))
	if err != nil {
		logger.WarnContext(ctx, "Invalid gateway id in webhook URL", "error", err)
		http.Error(w, "Invalid gateway id", http.StatusBadRequest)
		return nil, false
	}

	gw, err := h.gatewayRepo.GetByID(ctx, gatewayID)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayNotFound) {
			logger.WarnContext(ctx, "Webhook for unknown gateway", "gateway_id", gatewayID)
			http.Error(w, "Gateway not found", http.StatusNotFound)
			return nil, false
		}
		logger.ErrorContext(ctx, "Failed to load gateway", "error", err, "gateway_id", gatewayID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return gw, true
}

// verifySignature checks the provider's sha256=<hex> HMAC over the raw body.
// Comparison is constant-time.
func verifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return errors.New("missing signature header")
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("malformed signature header")
	}
	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return errors.New("signature is not hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), providedMAC) {
		return errors.New("signature mismatch")
	}
	return nil
}
