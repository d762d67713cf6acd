// Package upstream implements the client contract to the external
// job-execution service. The crawl itself is opaque; only the status and
// result API is consumed.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/miravo/scrapedesk/internal/session"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultStatusTTL     = 2 * time.Second
	defaultStatusEntries = 512
)

// Config captures the connection parameters for the execution service.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// StatusTTL bounds how long a status observation may be served from
	// cache; rapid client polls then cost one upstream call per TTL.
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// Client talks JSON over HTTP to the execution service and implements
// session.JobClient.
type Client struct {
	baseURL     string
	apiKey      string
	hc          *http.Client
	statusCache *expirable.LRU[string, session.JobStatus]
	logger      *zap.Logger
}

// New creates a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		hc:          &http.Client{Timeout: cfg.Timeout},
		statusCache: expirable.NewLRU[string, session.JobStatus](defaultStatusEntries, nil, cfg.StatusTTL),
		logger:      logger,
	}, nil
}

type startJobRequest struct {
	URL     string               `json:"url"`
	Options session.StartOptions `json:"options"`
}

type startJobResponse struct {
	JobID       string `json:"job_id"`
	ResultSetID string `json:"result_set_id"`
}

// StartJob submits a crawl to the execution service.
func (c *Client) StartJob(ctx context.Context, url string, opts session.StartOptions) (session.JobHandle, error) {
	var resp startJobResponse
	err := c.doJSON(ctx, http.MethodPost, "/v2/jobs", startJobRequest{URL: url, Options: opts}, &resp)
	if err != nil {
		return session.JobHandle{}, err
	}
	if resp.JobID == "" || resp.ResultSetID == "" {
		return session.JobHandle{}, fmt.Errorf("%w: start response missing handles", session.ErrUpstreamUnavailable)
	}
	return session.JobHandle{JobID: resp.JobID, ResultSetID: resp.ResultSetID}, nil
}

type statusResponse struct {
	Status           string     `json:"status"`
	ElapsedRuntimeMs int64      `json:"elapsed_runtime_ms"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// GetStatus returns the job's current status. Recent observations are
// served from the LRU cache so rapid polls do not hammer upstream.
func (c *Client) GetStatus(ctx context.Context, jobID string) (session.JobStatus, error) {
	if cached, ok := c.statusCache.Get(jobID); ok {
		return cached, nil
	}
	var resp statusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v2/jobs/"+jobID, nil, &resp); err != nil {
		return session.JobStatus{}, err
	}
	status := session.JobStatus{
		Status:         resp.Status,
		ElapsedRuntime: time.Duration(resp.ElapsedRuntimeMs) * time.Millisecond,
		StartedAt:      resp.StartedAt,
		FinishedAt:     resp.FinishedAt,
	}
	c.statusCache.Add(jobID, status)
	return status, nil
}

type listResultsResponse struct {
	Items []map[string]any `json:"items"`
}

// ListResults fetches the full raw record set for a result handle. The
// listing is finite and fetched once per successful reconciliation.
func (c *Client) ListResults(ctx context.Context, resultSetID string) ([]map[string]any, error) {
	var resp listResultsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v2/resultsets/"+resultSetID+"/items", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		c.logger.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", session.ErrUpstreamUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("upstream returned error status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: status %d", session.ErrUpstreamUnavailable, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", session.ErrUpstreamUnavailable, err)
	}
	return nil
}
