package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// InstanceProvider talks to a self-hosted QR-instance API (Evolution style).
// Each gateway owns one named instance; messages are sent through
// /api/message/... endpoints scoped by instance name.
type InstanceProvider struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func NewInstanceProvider(logger *slog.Logger, sendTimeout time.Duration) *InstanceProvider {
	return &InstanceProvider{
		logger:     logger.With("provider", "instance"),
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

func (p *InstanceProvider) Name() string { return "instance" }

func (p *InstanceProvider) apiURL(gw *domain.Gateway, path string) string {
	return strings.TrimRight(gw.APIURL, "/") + path
}

func (p *InstanceProvider) headers(gw *domain.Gateway, req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", gw.Token)
}

type instanceSendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Status string `json:"status"`
}

func (p *InstanceProvider) post(ctx context.Context, gw *domain.Gateway, path string, payload any) (*SendResult, error) {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name()))
	defer timer.ObserveDuration()

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal instance API request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL(gw, path), bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create instance API request: %w", err)
	}
	p.headers(gw, httpReq)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.ErrorContext(ctx, "Instance API request failed", "error", err, "path", path)
		return nil, &domain.ProviderError{Provider: p.Name(), Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to read response body", Err: readErr}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		errMsg := fmt.Sprintf("instance API error: status %d", httpResp.StatusCode)
		if len(respBody) > 0 && len(respBody) < 200 {
			errMsg = fmt.Sprintf("instance API error: status %d, body: %s", httpResp.StatusCode, string(respBody))
		}
		p.logger.WarnContext(ctx, "Instance API send failed", "status_code", httpResp.StatusCode, "path", path)
		return &SendResult{
			IsSuccess:      false,
			ProviderStatus: fmt.Sprintf("FAILED_INSTANCE_%d", httpResp.StatusCode),
			ErrorMessage:   errMsg,
		}, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: errMsg}
	}

	var sendResp instanceSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return &SendResult{
			IsSuccess:      true,
			ProviderStatus: fmt.Sprintf("SENT_INSTANCE_%d_UNPARSED_RESP", httpResp.StatusCode),
		}, nil
	}

	return &SendResult{
		ProviderMessageID: sendResp.Key.ID,
		IsSuccess:         true,
		ProviderStatus:    fmt.Sprintf("SENT_INSTANCE_%d", httpResp.StatusCode),
	}, nil
}

func (p *InstanceProvider) SendText(ctx context.Context, gw *domain.Gateway, to, body string) (*SendResult, error) {
	return p.post(ctx, gw, "/api/message/text/"+gw.InstanceName, map[string]any{
		"number": to,
		"text":   body,
	})
}

// SendTemplate renders the template variables inline: QR-instance APIs have
// no template registry and no messaging window, so a template send degrades
// to a text send of the resolved body.
func (p *InstanceProvider) SendTemplate(ctx context.Context, gw *domain.Gateway, to string, tpl *domain.TemplateSend) (*SendResult, error) {
	body := tpl.Name
	if len(tpl.Variables) > 0 {
		parts := make([]string, 0, len(tpl.Variables))
		for i := 1; i <= len(tpl.Variables); i++ {
			if v, ok := tpl.Variables[fmt.Sprintf("%d", i)]; ok {
				parts = append(parts, v)
			}
		}
		body = strings.Join(parts, " ")
	}
	return p.SendText(ctx, gw, to, body)
}

// UploadMedia encodes bytes inline; the instance API has no separate media
// store, so the handle carries the base64 payload itself.
func (p *InstanceProvider) UploadMedia(ctx context.Context, gw *domain.Gateway, media *domain.OutboundMedia) (MediaHandle, error) {
	return MediaHandle{ID: base64.StdEncoding.EncodeToString(media.Data)}, nil
}

func (p *InstanceProvider) SendMedia(ctx context.Context, gw *domain.Gateway, to string, handle MediaHandle, mediaKind, filename, caption string) (*SendResult, error) {
	return p.post(ctx, gw, "/api/message/media/"+gw.InstanceName, map[string]any{
		"number":    to,
		"mediatype": mediaKind,
		"media":     handle.ID,
		"fileName":  filename,
		"caption":   caption,
	})
}

// ResolveMediaURL is a pass-through: instance webhooks deliver direct URLs.
func (p *InstanceProvider) ResolveMediaURL(ctx context.Context, gw *domain.Gateway, mediaID string) (string, error) {
	return "", &domain.ProviderError{Provider: p.Name(), Message: "instance API delivers media URLs directly; no lookup by id"}
}

func (p *InstanceProvider) FetchMedia(ctx context.Context, gw *domain.Gateway, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media fetch request: %w", err)
	}
	httpReq.Header.Set("apikey", gw.Token)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", &domain.ProviderError{Provider: p.Name(), Message: "media fetch failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "media fetch rejected"}
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to read media body", Err: err}
	}
	return data, httpResp.Header.Get("Content-Type"), nil
}

// MarkRead is unsupported on the instance API; read receipts are a cloud-only
// feature and callers treat the error as non-fatal.
func (p *InstanceProvider) MarkRead(ctx context.Context, gw *domain.Gateway, providerMessageID string) error {
	return &domain.ProviderError{Provider: p.Name(), Message: "read receipts not supported by instance API"}
}

func (p *InstanceProvider) ConfigureWebhook(ctx context.Context, gw *domain.Gateway, callbackURL string) error {
	_, err := p.post(ctx, gw, "/api/webhook/set/"+gw.InstanceName, map[string]any{
		"url":     callbackURL,
		"enabled": true,
	})
	return err
}

// QueryStatus polls the instance API for a message's current ack state and
// maps it onto the shared status enum.
func (p *InstanceProvider) QueryStatus(ctx context.Context, gw *domain.Gateway, providerMessageID string) (core_domain.MessageStatus, error) {
	url := p.apiURL(gw, "/api/message/status/"+gw.InstanceName+"/"+providerMessageID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create message status request: %w", err)
	}
	p.headers(gw, httpReq)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), Message: "message status failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "message status rejected"}
	}

	var statusResp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&statusResp); err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to parse message status response", Err: err}
	}

	switch strings.ToUpper(statusResp.Status) {
	case "PENDING", "SERVER_ACK":
		return core_domain.StatusSent, nil
	case "DELIVERY_ACK":
		return core_domain.StatusDelivered, nil
	case "READ", "PLAYED":
		return core_domain.StatusRead, nil
	case "ERROR":
		return core_domain.StatusFailed, nil
	default:
		return "", &domain.ProviderError{Provider: p.Name(), Message: fmt.Sprintf("unknown ack state %q", statusResp.Status)}
	}
}

// CreateInstance provisions a new named instance; the vendor returns a QR
// code for pairing which the UI polls via InstanceStatus.
func (p *InstanceProvider) CreateInstance(ctx context.Context, gw *domain.Gateway) error {
	_, err := p.post(ctx, gw, "/api/instance/create", map[string]any{
		"instanceName": gw.InstanceName,
	})
	return err
}

func (p *InstanceProvider) InstanceStatus(ctx context.Context, gw *domain.Gateway) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL(gw, "/api/instance/status/"+gw.InstanceName), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create instance status request: %w", err)
	}
	p.headers(gw, httpReq)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), Message: "instance status failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "instance status rejected"}
	}

	var statusResp struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&statusResp); err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to parse instance status response", Err: err}
	}
	return statusResp.State, nil
}
