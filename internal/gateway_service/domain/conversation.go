package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessagingWindow is the interval after a customer-originated message during
// which free-form replies are permitted.
const MessagingWindow = 24 * time.Hour

// Conversation is a thread of messages with one external contact on one
// gateway. Identity is (GatewayID, ContactToken); the token is the provider's
// contact identifier (wa_id / phone).
type Conversation struct {
	ID                    uuid.UUID  `json:"id"`
	GatewayID             uuid.UUID  `json:"gateway_id"`
	ContactToken          string     `json:"contact_token"`
	ContactName           string     `json:"contact_name,omitempty"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// WindowStatus is the derived state of the messaging window. It is always
// computed at read time from LastCustomerMessageAt, never stored.
type WindowStatus struct {
	WindowActive     bool       `json:"window_active"`
	RequiresTemplate bool       `json:"requires_template"`
	HoursRemaining   float64    `json:"hours_remaining"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// WindowStatusAt computes the window as a pure function of the stored
// last-customer-message timestamp and now. Non-WhatsApp gateways have no
// window: always open, no template required.
func (c *Conversation) WindowStatusAt(gw *Gateway, now time.Time) WindowStatus {
	if gw == nil || !gw.IsWhatsApp() {
		return WindowStatus{
			WindowActive:     true,
			RequiresTemplate: false,
			HoursRemaining:   MessagingWindow.Hours(),
		}
	}

	if c.LastCustomerMessageAt == nil {
		return WindowStatus{
			WindowActive:     false,
			RequiresTemplate: true,
			HoursRemaining:   0,
		}
	}

	expiresAt := c.LastCustomerMessageAt.Add(MessagingWindow)
	if now.Before(expiresAt) {
		return WindowStatus{
			WindowActive:     true,
			RequiresTemplate: false,
			HoursRemaining:   expiresAt.Sub(now).Hours(),
			ExpiresAt:        &expiresAt,
		}
	}
	return WindowStatus{
		WindowActive:     false,
		RequiresTemplate: true,
		HoursRemaining:   0,
		ExpiresAt:        &expiresAt,
	}
}

// NewConversation creates a conversation for an inbound contact. Conversations
// are only ever created from inbound traffic; outbound code must not invent
// them.
func NewConversation(gatewayID uuid.UUID, contactToken, contactName string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:           uuid.New(),
		GatewayID:    gatewayID,
		ContactToken: contactToken,
		ContactName:  contactName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
