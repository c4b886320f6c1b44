package http

import (
	"time"

	"github.com/baderhq/wagateway/internal/core_domain"
)

// SendMessageRequest DTO for POST /messages/send. Exactly one of text,
// template or media must be set.
type SendMessageRequest struct {
	ConversationID string                `json:"conversation_id" validate:"required,uuid4"`
	Text           string                `json:"text,omitempty"`
	Template       *TemplateSendRequest  `json:"template,omitempty"`
	Media          *MediaSendRequest     `json:"media,omitempty"`
	SyncConfirm    bool                  `json:"sync_confirm,omitempty"`
}

type TemplateSendRequest struct {
	Name      string            `json:"name" validate:"required"`
	Language  string            `json:"language" validate:"required"`
	Variables map[string]string `json:"variables,omitempty"`
}

type MediaSendRequest struct {
	Name       string `json:"name" validate:"required"`
	MimeType   string `json:"mime_type" validate:"required"`
	DataBase64 string `json:"data_base64" validate:"required"`
	Caption    string `json:"caption,omitempty"`
}

// SendMessageResponse DTO
type SendMessageResponse struct {
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Sent              bool   `json:"sent"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// WindowStatusResponse DTO for GET /conversations/{conversationID}/window
type WindowStatusResponse struct {
	WindowActive     bool       `json:"window_active"`
	RequiresTemplate bool       `json:"requires_template"`
	HoursRemaining   float64    `json:"hours_remaining"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// DeliveryStatusResponse DTO for GET /messages/{providerMessageID}/status
type DeliveryStatusResponse struct {
	ProviderMessageID string                    `json:"provider_message_id"`
	Status            core_domain.MessageStatus `json:"status"`
	SentAt            *time.Time                `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time                `json:"delivered_at,omitempty"`
	ReadAt            *time.Time                `json:"read_at,omitempty"`
	FailedAt          *time.Time                `json:"failed_at,omitempty"`
	Error             *core_domain.StatusError  `json:"error,omitempty"`
}

// GenericErrorResponse is the uniform error envelope.
type GenericErrorResponse struct {
	Error string `json:"error"`
}
