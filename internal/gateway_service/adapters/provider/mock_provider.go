package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// MockProvider is a test implementation of Provider.
type MockProvider struct {
	logger         *slog.Logger
	FailSend       bool
	FailUpload     bool
	SimulatedDelay time.Duration

	SentTexts     []string
	SentTemplates []string
	Uploads       int
	ReadReceipts  []string
}

func NewMockProvider(logger *slog.Logger, failSend bool, delay time.Duration) *MockProvider {
	return &MockProvider{
		logger:         logger.With("provider", "mock"),
		FailSend:       failSend,
		SimulatedDelay: delay,
	}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) send(ctx context.Context, kind string) (*SendResult, error) {
	if p.SimulatedDelay > 0 {
		time.Sleep(p.SimulatedDelay)
	}
	if p.FailSend {
		errMsg := "mock provider simulated send failure"
		p.logger.WarnContext(ctx, errMsg, "kind", kind)
		return &SendResult{
			IsSuccess:      false,
			ProviderStatus: "FAILED_MOCK",
			ErrorMessage:   errMsg,
		}, &domain.ProviderError{Provider: p.Name(), Message: errMsg}
	}
	return &SendResult{
		ProviderMessageID: "mock-" + uuid.NewString(),
		IsSuccess:         true,
		ProviderStatus:    "SENT_MOCK_OK",
	}, nil
}

func (p *MockProvider) SendText(ctx context.Context, gw *domain.Gateway, to, body string) (*SendResult, error) {
	p.SentTexts = append(p.SentTexts, body)
	return p.send(ctx, "text")
}

func (p *MockProvider) SendTemplate(ctx context.Context, gw *domain.Gateway, to string, tpl *domain.TemplateSend) (*SendResult, error) {
	p.SentTemplates = append(p.SentTemplates, tpl.Name)
	return p.send(ctx, "template")
}

func (p *MockProvider) SendMedia(ctx context.Context, gw *domain.Gateway, to string, handle MediaHandle, mediaKind, filename, caption string) (*SendResult, error) {
	return p.send(ctx, mediaKind)
}

func (p *MockProvider) UploadMedia(ctx context.Context, gw *domain.Gateway, media *domain.OutboundMedia) (MediaHandle, error) {
	if p.FailUpload {
		return MediaHandle{}, &domain.ProviderError{Provider: p.Name(), Message: "mock provider simulated upload failure"}
	}
	p.Uploads++
	return MediaHandle{ID: fmt.Sprintf("mock-media-%d", p.Uploads)}, nil
}

func (p *MockProvider) ResolveMediaURL(ctx context.Context, gw *domain.Gateway, mediaID string) (string, error) {
	return "https://mock.example/media/" + mediaID, nil
}

func (p *MockProvider) FetchMedia(ctx context.Context, gw *domain.Gateway, url string) ([]byte, string, error) {
	return []byte("mock-bytes"), "image/jpeg", nil
}

func (p *MockProvider) MarkRead(ctx context.Context, gw *domain.Gateway, providerMessageID string) error {
	p.ReadReceipts = append(p.ReadReceipts, providerMessageID)
	return nil
}

func (p *MockProvider) ConfigureWebhook(ctx context.Context, gw *domain.Gateway, callbackURL string) error {
	return nil
}
