package domain

import (
	"errors"
	"fmt"
)

var (
	ErrGatewayNotFound      = errors.New("gateway not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStatusRecordNotFound = errors.New("delivery status record not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// ValidationError is a user-visible input failure, rejected before any
// network call (e.g. a disallowed attachment mimetype).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return "validation failed: " + e.Reason
}

// ProviderError wraps a non-2xx response or timeout from the messaging
// provider. StatusCode is 0 for transport-level failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AuthError is a hard reject: signature or verify-token mismatch on the
// webhook endpoint. No processing happens after it.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// IsValidation reports whether err is a user-visible validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
