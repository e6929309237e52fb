package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/slurmbridge/slurmbridge/pkg/model"
)

// HTTPConfig configures the HTTP portal client.
type HTTPConfig struct {
	// BaseURL is the portal API root, e.g. https://portal.example.org/api/v1.
	BaseURL string

	// Token authenticates the daemon (bearer token).
	Token string

	// Timeout bounds each request. A timeout is a transient failure.
	// Default: 30s.
	Timeout time.Duration
}

// HTTPClient implements Client against the portal REST API.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("portal base url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("portal token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build portal request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("portal request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode portal response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) listSubmissions(ctx context.Context, status model.Status) ([]model.JobRecord, error) {
	var records []model.JobRecord
	path := "/submissions?status=" + url.QueryEscape(string(status))
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *HTTPClient) ListPendingSubmissions(ctx context.Context) ([]model.JobRecord, error) {
	return c.listSubmissions(ctx, model.StatusCreated)
}

func (c *HTTPClient) ListActiveSubmissions(ctx context.Context) ([]model.JobRecord, error) {
	return c.listSubmissions(ctx, model.StatusSubmitted)
}

func (c *HTTPClient) UpdateSubmissionStatus(ctx context.Context, id string, update StatusUpdate) error {
	return c.do(ctx, http.MethodPatch, "/submissions/"+url.PathEscape(id), update, nil)
}

func (c *HTTPClient) FetchJobScript(ctx context.Context, id string) ([]model.JobFile, error) {
	var files []model.JobFile
	if err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(id)+"/files", nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *HTTPClient) PushMetrics(ctx context.Context, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/metrics", points, nil)
}
