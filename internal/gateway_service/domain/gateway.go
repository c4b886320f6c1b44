package domain

import (
	"time"

	"github.com/google/uuid"
)

// GatewayType selects the provider adapter a gateway talks through.
type GatewayType string

const (
	// GatewayTypeCloud is the hosted Cloud API (graph-style HTTP API).
	GatewayTypeCloud GatewayType = "cloud"
	// GatewayTypeInstance is a self-hosted QR-instance API.
	GatewayTypeInstance GatewayType = "instance"
)

// WebhookState tracks the verification handshake of a gateway's webhook.
type WebhookState string

const (
	WebhookPending    WebhookState = "pending"
	WebhookIntegrated WebhookState = "integrated"
)

// Gateway is one configured messaging channel (a phone number on the Cloud
// API, or a QR instance). Credentials are per gateway; core logic receives
// them explicitly and never reads ambient configuration.
type Gateway struct {
	ID            uuid.UUID    `json:"id"`
	Name          string       `json:"name"`
	Type          GatewayType  `json:"type"`
	Token         string       `json:"-"`
	PhoneNumberID string       `json:"phone_number_id,omitempty"`
	InstanceName  string       `json:"instance_name,omitempty"`
	APIURL        string       `json:"api_url,omitempty"`
	WebhookSecret string       `json:"-"`
	VerifyToken   string       `json:"-"`
	WebhookState  WebhookState `json:"webhook_state"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// IsWhatsApp reports whether the 24-hour customer-response window applies to
// this gateway. Both supported types are WhatsApp surfaces today; other
// channel types plugged in later are exempt from window semantics.
func (g *Gateway) IsWhatsApp() bool {
	return g.Type == GatewayTypeCloud || g.Type == GatewayTypeInstance
}
