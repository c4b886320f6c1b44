package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
)

// LeadClient implements domain.LeadSearcher against an external CRM's lead
// search endpoint. Each matching lead carries its own template variables, so
// a lead-sourced campaign can personalize without a separate variables map.
type LeadClient struct {
	baseURL    string
	token      string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewLeadClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *LeadClient {
	return &LeadClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger.With("component", "crm_lead_client"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type leadSearchResponse struct {
	Leads []*domain.Lead `json:"leads"`
}

func (c *LeadClient) Search(ctx context.Context, query *domain.LeadQuery) ([]*domain.Lead, error) {
	reqBytes, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lead search query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/leads/search", bytes.NewBuffer(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create lead search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.ErrorContext(ctx, "Lead search request failed", "error", err)
		return nil, fmt.Errorf("lead search request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		c.logger.WarnContext(ctx, "Lead search rejected",
			"status_code", httpResp.StatusCode, "body", string(respBody))
		return nil, fmt.Errorf("lead search rejected: status %d", httpResp.StatusCode)
	}

	var searchResp leadSearchResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse lead search response: %w", err)
	}
	return searchResp.Leads, nil
}
