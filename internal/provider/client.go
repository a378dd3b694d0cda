// Package provider implements the HTTP client for the external snapshot
// provider: job submission, progress polling, and result retrieval.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/pipeline"
	"github.com/openlistings/harvester/internal/policy/ratelimit"
)

// Config captures the provider's endpoint conventions.
type Config struct {
	// BaseURL is the provider API root, e.g. https://api.example.com/datasets/v3.
	BaseURL string
	// Token is the account bearer credential.
	Token string
	// DatasetID selects the provider-side collector.
	DatasetID string
	// Timeout bounds each HTTP call.
	Timeout time.Duration
	// MaxBodyBytes caps result payload reads (default 512 MiB).
	MaxBodyBytes int64
	// RequestsPerSecond paces calls per operation class; zero disables
	// pacing.
	RequestsPerSecond float64
	// Burst is the token bucket size when pacing is enabled.
	Burst int
}

const defaultMaxBodyBytes = 512 << 20

// Client talks to the snapshot provider. All failures are classified into
// the pipeline error taxonomy: 4xx is a rejection (do not retry as-is),
// 5xx and transport errors are unavailability (retry with backoff).
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cfg        Config
	logger     *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RequestsPerSecond,
			DefaultBurst: cfg.Burst,
		}),
		cfg:    cfg,
		logger: logger,
	}
}

// Submit posts the work items and returns the provider handle ("snapshot
// id"). When hook is non-nil the callback URLs and the bearer credential
// derived from the per-submission secret are embedded so the provider can
// call back without further negotiation.
func (c *Client) Submit(ctx context.Context, items []pipeline.Item, hook *pipeline.WebhookConfig) (string, error) {
	if err := c.limiter.Wait(ctx, "trigger"); err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set("dataset_id", c.cfg.DatasetID)
	query.Set("format", "json")
	if hook != nil {
		query.Set("notify", hook.NotifyURL)
		query.Set("endpoint", hook.DataURL)
		query.Set("auth_header", "Bearer "+hook.Secret)
	}

	body, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode submission payload: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, "/trigger?"+query.Encode(), body)
	if err != nil {
		return "", err
	}

	var resp struct {
		SnapshotID string `json:"snapshot_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: decode trigger response: %v", pipeline.ErrProviderRejected, err)
	}
	if resp.SnapshotID == "" {
		return "", fmt.Errorf("%w: trigger response missing snapshot_id", pipeline.ErrProviderRejected)
	}
	c.logger.Debug("submission accepted", zap.String("handle", resp.SnapshotID))
	return resp.SnapshotID, nil
}

// PollStatus reads the provider's progress endpoint. A 404 means the
// provider is still provisioning the job and is reported as pending, not as
// a failure.
func (c *Client) PollStatus(ctx context.Context, handle string) (pipeline.Signal, error) {
	if err := c.limiter.Wait(ctx, "progress"); err != nil {
		return pipeline.Signal{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/progress/"+url.PathEscape(handle), nil)
	if err != nil {
		return pipeline.Signal{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pipeline.Signal{}, fmt.Errorf("%w: poll %s: %v", pipeline.ErrProviderUnavailable, handle, err)
	}
	defer closeBody(resp, c.logger)

	if resp.StatusCode == http.StatusNotFound {
		return pipeline.Signal{Handle: handle, Status: pipeline.StatusPending}, nil
	}
	body, err := c.readBody(resp)
	if err != nil {
		return pipeline.Signal{}, err
	}

	var progress struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &progress); err != nil {
		return pipeline.Signal{}, fmt.Errorf("%w: decode progress response: %v", pipeline.ErrProviderUnavailable, err)
	}
	status, known := pipeline.CanonicalStatus(progress.Status)
	if !known {
		c.logger.Warn("unknown provider status",
			zap.String("handle", handle),
			zap.String("status", progress.Status),
		)
	}
	return pipeline.Signal{Handle: handle, Status: status, Error: progress.Error}, nil
}

// FetchResult downloads the result payload for a ready handle. If the
// provider answers with an external download URL instead of inline data the
// client follows it exactly once, re-using the same auth.
func (c *Client) FetchResult(ctx context.Context, handle string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, "snapshot"); err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, "/snapshot/"+url.PathEscape(handle)+"?format=json", nil)
	if err != nil {
		return nil, err
	}
	if external, ok := downloadURL(body); ok {
		c.logger.Debug("following external download url", zap.String("handle", handle))
		return c.doURL(ctx, http.MethodGet, external, nil)
	}
	return body, nil
}

// downloadURL detects the {"url": "..."} redirect shape: a small object
// whose only meaningful field is an absolute URL.
func downloadURL(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || len(trimmed) > 4096 {
		return "", false
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil || resp.URL == "" {
		return "", false
	}
	parsed, err := url.Parse(resp.URL)
	if err != nil || !parsed.IsAbs() {
		return "", false
	}
	return resp.URL, true
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return c.doURL(ctx, method, c.cfg.BaseURL+path, body)
}

func (c *Client) doURL(ctx context.Context, method, fullURL string, body []byte) ([]byte, error) {
	req, err := c.newRequestURL(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", pipeline.ErrProviderUnavailable, method, fullURL, err)
	}
	defer closeBody(resp, c.logger)
	return c.readBody(resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	return c.newRequestURL(ctx, method, c.cfg.BaseURL+path, body)
}

func (c *Client) newRequestURL(ctx context.Context, method, fullURL string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %v", pipeline.ErrProviderUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: status %d: %s", pipeline.ErrProviderRejected, resp.StatusCode, truncate(body, 256))
	default:
		return nil, fmt.Errorf("%w: status %d", pipeline.ErrProviderUnavailable, resp.StatusCode)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func closeBody(resp *http.Response, logger *zap.Logger) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("close response body", zap.Error(err))
	}
}
