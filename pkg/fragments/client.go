// Package fragments looks up evidence fragments in the document service
package fragments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/appctx"
	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultTimeout is the default request timeout
	DefaultTimeout = 5 * time.Second

	// MaxResponseSize is the maximum response body size (1MB)
	MaxResponseSize = 1024 * 1024
)

// Fragment is a span of source text evidence can point at
type Fragment struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id,omitempty"`
	Text       string `json:"text"`
}

// Config holds fragment service client configuration
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// Client reads fragments from the document service
type Client struct {
	baseURL string
	client  *http.Client
	logger  ectologger.Logger
}

// NewClient creates a new fragment client
func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 20
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    cfg.MaxIdleConns,
				IdleConnTimeout: cfg.IdleConnTimeout,
			},
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Lookup returns the fragment text. A fragment the service does not know is
// a NotFound error; transport failures and 5xx are DependencyUnavailable.
func (c *Client) Lookup(ctx context.Context, projectID, fragmentRef string) (*Fragment, error) {
	ctx, span := tracing.StartSpan(ctx, "fragments.Client.Lookup")
	defer span.End()

	endpoint := fmt.Sprintf("%s/api/v1/projects/%s/fragments/%s",
		c.baseURL, url.PathEscape(projectID), url.PathEscape(fragmentRef))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if requestID := appctx.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.FragmentLookupsTotal.WithLabelValues("unavailable").Inc()
		c.logger.WithContext(ctx).WithError(err).Warnf("Fragment lookup failed: %s", fragmentRef)
		return nil, apperrors.DependencyUnavailable("fragment service", err)
	}
	defer resp.Body.Close()

	c.logger.WithContext(ctx).Debugf("HTTP GET %s -> %d (%s)", endpoint, resp.StatusCode, time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.FragmentLookupsTotal.WithLabelValues("not_found").Inc()
		return nil, apperrors.NotFound("fragment %s not found", fragmentRef).With("fragment_ref", fragmentRef)
	case resp.StatusCode >= 500:
		metrics.FragmentLookupsTotal.WithLabelValues("unavailable").Inc()
		return nil, apperrors.DependencyUnavailable("fragment service", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		metrics.FragmentLookupsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fragment lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	var fragment Fragment
	if err := json.Unmarshal(body, &fragment); err != nil {
		return nil, fmt.Errorf("failed to decode fragment: %w", err)
	}
	if fragment.ID == "" {
		fragment.ID = fragmentRef
	}

	metrics.FragmentLookupsTotal.WithLabelValues("found").Inc()
	return &fragment, nil
}
