package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cam3ron2/scm-audit/internal/apiclient"
	"github.com/cam3ron2/scm-audit/internal/contributors"
	"go.uber.org/zap"
)

const userAgent = "scm-audit"

// Config identifies the reporting service tenant.
type Config struct {
	// BaseURL is the hooks API root, for example https://api-hooks.example.io/api/.
	BaseURL  string
	ClientID string
	APIKey   string
}

// Client posts contributor audits to the reporting service.
type Client struct {
	baseURL       *url.URL
	clientID      string
	apiKey        string
	requestClient *apiclient.Client
	logger        *zap.Logger
}

// NewPolicy retries only 429 responses, after a fixed backoff.
func NewPolicy(maxRetries int, backoff time.Duration) apiclient.RateLimitPolicy {
	return apiclient.RateLimitPolicy{
		Statuses:     []int{http.StatusTooManyRequests},
		MaxRetries:   maxRetries,
		FixedBackoff: backoff,
	}
}

// NewClient creates an upload client. requestClient carries the transport and retry policy.
func NewClient(cfg Config, requestClient *apiclient.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse hooks api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse hooks api base url: missing scheme or host")
	}
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:       parsed,
		clientID:      strings.TrimSpace(cfg.ClientID),
		apiKey:        strings.TrimSpace(cfg.APIKey),
		requestClient: requestClient,
		logger:        logger,
	}, nil
}

// Endpoint returns the contributor-audits URL for the configured client.
func (c *Client) Endpoint() string {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimSuffix(endpoint.Path, "/") + "/clients/" + url.PathEscape(c.clientID) + "/contributor-audits"
	endpoint.RawPath = ""
	return endpoint.String()
}

// Upload posts result as JSON. Failures are returned, never retried beyond rate limiting.
func (c *Client) Upload(ctx context.Context, result contributors.AuditResult) error {
	if result.Contributors == nil {
		result.Contributors = []contributors.Contributor{}
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal contributor audit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-API-Key", c.apiKey)

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return fmt.Errorf("post contributor audit: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	c.logger.Debug(
		"contributor audit uploaded",
		zap.String("organization", result.OrganizationName),
		zap.Int("status", resp.StatusCode),
		zap.Int("attempts", metadata.Attempts),
	)
	return nil
}
