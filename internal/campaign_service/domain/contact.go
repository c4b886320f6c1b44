package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Contact is an addressable recipient in the contact book, the source pool
// for filter-based campaign audiences.
type Contact struct {
	ID           uuid.UUID         `json:"id"`
	Phone        string            `json:"phone"`
	FirstName    string            `json:"first_name,omitempty"`
	LastName     string            `json:"last_name,omitempty"`
	Email        string            `json:"email,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Subscribed   bool              `json:"subscribed"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// ContactFilter selects contacts for a campaign audience.
type ContactFilter struct {
	Tags       []string `json:"tags,omitempty"`
	Subscribed *bool    `json:"subscribed,omitempty"`
}

// LeadQuery selects prospects from an external lead store.
type LeadQuery struct {
	Search string   `json:"search,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Limit  int      `json:"limit,omitempty"`
}

// Lead is a prospect returned by a lead search. Variables are the template
// values bound to this lead by the store, e.g. the lead owner's name.
type Lead struct {
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables,omitempty"`
}

// RecipientSource is the union of supported audience definitions. Exactly one
// field is set.
type RecipientSource struct {
	Phones []string       `json:"phones,omitempty"`
	Filter *ContactFilter `json:"filter,omitempty"`
	Leads  *LeadQuery     `json:"leads,omitempty"`
}

// NormalizePhone strips formatting down to digits with an optional leading
// plus, the canonical recipient form used for campaign-message identity.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	for i, r := range raw {
		if unicode.IsDigit(r) || (i == 0 && r == '+') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
