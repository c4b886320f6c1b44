package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

// CloudProvider talks to the hosted Cloud API (graph.facebook.com style).
type CloudProvider struct {
	logger      *slog.Logger
	httpClient  *http.Client
	mediaClient *http.Client
	baseURL     string
	apiVersion  string
}

// NewCloudProvider creates a Cloud API adapter. baseURL is overridable for
// tests; pass "" for the production endpoint. mediaClient carries a longer
// timeout for uploads and downloads.
func NewCloudProvider(logger *slog.Logger, baseURL, apiVersion string, sendTimeout, mediaTimeout time.Duration) *CloudProvider {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	if apiVersion == "" {
		apiVersion = "18.0"
	}
	return &CloudProvider{
		logger:      logger.With("provider", "cloud"),
		httpClient:  &http.Client{Timeout: sendTimeout},
		mediaClient: &http.Client{Timeout: mediaTimeout},
		baseURL:     baseURL,
		apiVersion:  apiVersion,
	}
}

func (p *CloudProvider) Name() string { return "cloud" }

func (p *CloudProvider) messagesURL(gw *domain.Gateway) string {
	return fmt.Sprintf("%s/v%s/%s/messages", p.baseURL, p.apiVersion, gw.PhoneNumberID)
}

// cloudSendResponse is the messages endpoint response body.
type cloudSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type cloudErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *CloudProvider) SendText(ctx context.Context, gw *domain.Gateway, to, body string) (*SendResult, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	}
	return p.postMessage(ctx, gw, payload)
}

func (p *CloudProvider) SendTemplate(ctx context.Context, gw *domain.Gateway, to string, tpl *domain.TemplateSend) (*SendResult, error) {
	template := map[string]any{
		"name":     tpl.Name,
		"language": map[string]string{"code": tpl.Language},
	}
	if len(tpl.Variables) > 0 {
		params := make([]map[string]string, 0, len(tpl.Variables))
		// Variables are keyed "1".."N" by the template body placeholders.
		for i := 1; i <= len(tpl.Variables); i++ {
			v, ok := tpl.Variables[fmt.Sprintf("%d", i)]
			if !ok {
				continue
			}
			params = append(params, map[string]string{"type": "text", "text": v})
		}
		template["components"] = []map[string]any{
			{"type": "body", "parameters": params},
		}
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "template",
		"template":          template,
	}
	return p.postMessage(ctx, gw, payload)
}

func (p *CloudProvider) SendMedia(ctx context.Context, gw *domain.Gateway, to string, handle MediaHandle, mediaKind, filename, caption string) (*SendResult, error) {
	mediaData := map[string]any{"id": handle.ID}
	if mediaKind == "document" && filename != "" {
		mediaData["filename"] = filename
	}
	if caption != "" && (mediaKind == "image" || mediaKind == "video" || mediaKind == "document") {
		mediaData["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              mediaKind,
		mediaKind:           mediaData,
	}
	return p.postMessage(ctx, gw, payload)
}

func (p *CloudProvider) postMessage(ctx context.Context, gw *domain.Gateway, payload map[string]any) (*SendResult, error) {
	timer := prometheus.NewTimer(providerRequestDurationHist.WithLabelValues(p.Name()))
	defer timer.ObserveDuration()

	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cloud API request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messagesURL(gw), bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+gw.Token)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.ErrorContext(ctx, "Cloud API request failed", "error", err)
		return nil, &domain.ProviderError{Provider: p.Name(), Message: "request failed", Err: err}
	}
	defer httpResp.Body.Close()

	respBody, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil {
		return nil, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to read response body", Err: readErr}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp cloudErrorResponse
		errMsg := fmt.Sprintf("cloud API error: status %d", httpResp.StatusCode)
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			errMsg = fmt.Sprintf("cloud API error: status %d, message: %s", httpResp.StatusCode, errResp.Error.Message)
		}
		p.logger.WarnContext(ctx, "Cloud API send failed", "status_code", httpResp.StatusCode, "error_message", errMsg)
		return &SendResult{
			IsSuccess:      false,
			ProviderStatus: fmt.Sprintf("FAILED_CLOUD_%d", httpResp.StatusCode),
			ErrorMessage:   errMsg,
		}, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: errMsg}
	}

	var sendResp cloudSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		// HTTP success with an unparseable body still counts as sent; the
		// provider message id is just unavailable for correlation.
		p.logger.WarnContext(ctx, "Cloud API send succeeded but response body could not be parsed", "error", err)
		return &SendResult{
			IsSuccess:      true,
			ProviderStatus: fmt.Sprintf("SENT_CLOUD_%d_UNPARSED_RESP", httpResp.StatusCode),
		}, nil
	}

	providerMsgID := ""
	if len(sendResp.Messages) > 0 {
		providerMsgID = sendResp.Messages[0].ID
	}
	p.logger.InfoContext(ctx, "Message sent via cloud API", "provider_message_id", providerMsgID)
	return &SendResult{
		ProviderMessageID: providerMsgID,
		IsSuccess:         true,
		ProviderStatus:    fmt.Sprintf("SENT_CLOUD_%d", httpResp.StatusCode),
	}, nil
}

// UploadMedia posts multipart bytes to the media endpoint and returns the
// provider's media handle.
func (p *CloudProvider) UploadMedia(ctx context.Context, gw *domain.Gateway, media *domain.OutboundMedia) (MediaHandle, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", media.Name)
	if err != nil {
		return MediaHandle{}, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := fw.Write(media.Data); err != nil {
		return MediaHandle{}, fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := mw.WriteField("messaging_product", "whatsapp"); err != nil {
		return MediaHandle{}, fmt.Errorf("failed to write multipart field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return MediaHandle{}, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/v%s/%s/media", p.baseURL, p.apiVersion, gw.PhoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return MediaHandle{}, fmt.Errorf("failed to create media upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+gw.Token)

	httpResp, err := p.mediaClient.Do(httpReq)
	if err != nil {
		return MediaHandle{}, &domain.ProviderError{Provider: p.Name(), Message: "media upload failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return MediaHandle{}, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "media upload rejected"}
	}

	var uploadResp struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&uploadResp); err != nil {
		return MediaHandle{}, &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to parse media upload response", Err: err}
	}
	return MediaHandle{ID: uploadResp.ID}, nil
}

// ResolveMediaURL exchanges a media id from a webhook for a download URL.
func (p *CloudProvider) ResolveMediaURL(ctx context.Context, gw *domain.Gateway, mediaID string) (string, error) {
	url := fmt.Sprintf("%s/v%s/%s", p.baseURL, p.apiVersion, mediaID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create media lookup request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+gw.Token)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), Message: "media lookup failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "media lookup rejected"}
	}

	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&info); err != nil {
		return "", &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "failed to parse media lookup response", Err: err}
	}
	return info.URL, nil
}

// FetchMedia downloads media bytes from a resolved URL.
func (p *CloudProvider) FetchMedia(ctx context.Context, gw *domain.Gateway, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media fetch request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+gw.Token)

	httpResp, err := p.mediaClient.Do(httpReq)
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

// MarkRead sends a read receipt for an inbound message.
func (p *CloudProvider) MarkRead(ctx context.Context, gw *domain.Gateway, providerMessageID string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	}
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal read receipt: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.messagesURL(gw), bytes.NewBuffer(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create read receipt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+gw.Token)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return &domain.ProviderError{Provider: p.Name(), Message: "read receipt failed", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &domain.ProviderError{Provider: p.Name(), StatusCode: httpResp.StatusCode, Message: "read receipt rejected"}
	}
	return nil
}

// ConfigureWebhook is a no-op for the cloud API: the callback URL is
// registered in the vendor console, and the verify handshake happens against
// our webhook endpoint instead.
func (p *CloudProvider) ConfigureWebhook(ctx context.Context, gw *domain.Gateway, callbackURL string) error {
	p.logger.InfoContext(ctx, "Cloud API webhooks are configured through the vendor console", "callback_url", callbackURL)
	return nil
}
