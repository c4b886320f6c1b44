package provider

import (
	"context"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// SendResult is the uniform outcome of a provider send call. ProviderMessageID
// is the external id used to correlate later status callbacks.
type SendResult struct {
	ProviderMessageID string
	IsSuccess         bool
	ProviderStatus    string
	ErrorMessage      string
}

// MediaHandle references media uploaded to the provider. Handles are not
// reusable across retries; a failed send after a successful upload requires a
// fresh upload.
type MediaHandle struct {
	ID string
}

// Provider is the uniform adapter surface for a messaging provider variant.
// Core code depends only on this interface, never on a vendor wire format.
type Provider interface {
	Name() string

	SendText(ctx context.Context, gw *domain.Gateway, to, body string) (*SendResult, error)
	SendTemplate(ctx context.Context, gw *domain.Gateway, to string, tpl *domain.TemplateSend) (*SendResult, error)
	SendMedia(ctx context.Context, gw *domain.Gateway, to string, handle MediaHandle, mediaKind, filename, caption string) (*SendResult, error)
	UploadMedia(ctx context.Context, gw *domain.Gateway, media *domain.OutboundMedia) (MediaHandle, error)

	ResolveMediaURL(ctx context.Context, gw *domain.Gateway, mediaID string) (string, error)
	FetchMedia(ctx context.Context, gw *domain.Gateway, url string) ([]byte, string, error)

	MarkRead(ctx context.Context, gw *domain.Gateway, providerMessageID string) error
	ConfigureWebhook(ctx context.Context, gw *domain.Gateway, callbackURL string) error
}

// InstanceProvisioner is the extra lifecycle surface of QR-instance
// providers. The cloud variant does not implement it.
type InstanceProvisioner interface {
	CreateInstance(ctx context.Context, gw *domain.Gateway) error
	InstanceStatus(ctx context.Context, gw *domain.Gateway) (string, error)
}

// StatusQuerier is an optional capability for providers that can be polled
// for a message's delivery state. Cloud statuses arrive by webhook only.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, gw *domain.Gateway, providerMessageID string) (core_domain.MessageStatus, error)
}

// Registry resolves the adapter for a gateway type.
type Registry struct {
	providers map[domain.GatewayType]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.GatewayType]Provider)}
}

func (r *Registry) Register(t domain.GatewayType, p Provider) {
	r.providers[t] = p
}

// For returns the provider for the gateway's type, or nil when none is
// registered.
func (r *Registry) For(gw *domain.Gateway) Provider {
	return r.providers[gw.Type]
}
