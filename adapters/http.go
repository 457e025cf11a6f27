package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/resilience"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBodyLen = 512
)

// HTTPConfig configures an HTTPAdapter
type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPAdapter fetches records from a provider's REST endpoint:
// GET {base}/records?from=RFC3339&to=RFC3339 returning {"records": [...]}.
type HTTPAdapter struct {
	config     HTTPConfig
	httpClient *http.Client
}

type recordsResponse struct {
	Records []matching.Record `json:"records"`
}

// NewHTTPAdapter creates a new HTTP adapter
func NewHTTPAdapter(config HTTPConfig) *HTTPAdapter {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &HTTPAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

func (a *HTTPAdapter) Name() string {
	return a.config.Name
}

// Fetch classifies failures as resilience.ExternalCallError so the caller's
// retry policy can tell transient from permanent ones
func (a *HTTPAdapter) Fetch(ctx context.Context, req FetchRequest) ([]matching.Record, error) {
	op := a.config.Name + ".fetch"

	query := url.Values{}
	query.Set("from", req.Range.From.UTC().Format(time.RFC3339))
	query.Set("to", req.Range.To.UTC().Format(time.RFC3339))
	for k, v := range req.Config {
		query.Set(k, v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.BaseURL+"/records?"+query.Encode(), nil)
	if err != nil {
		return nil, resilience.Permanent(errors.Wrap(err, "failed to create request"))
	}
	httpReq.Header.Set("Accept", "application/json")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	if req.TenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", req.TenantID)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, resilience.NewExternalCallError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return nil, resilience.NewExternalCallError(op, resp.StatusCode,
			fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))))
	}

	var payload recordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, resilience.NewExternalCallError(op, resp.StatusCode, errors.Wrap(err, "failed to decode records"))
	}
	return payload.Records, nil
}
