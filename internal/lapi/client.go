// Package lapi is a client for the decision endpoints of a CrowdSec Local API.
package lapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"remedy/internal/app/version"
	"remedy/internal/domain"
)

const (
	streamPath   = "/v1/decisions/stream"
	decisionPath = "/v1/decisions"

	maxResponseBytes = 32 << 20
	maxErrorExcerpt  = 2048

	defaultTimeout = 10 * time.Second
)

var ErrUnexpectedStatus = errors.New("lapi: unexpected status")

type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// LiveRate caps filtered queries per second; zero disables the limit.
	LiveRate  float64
	LiveBurst int
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("lapi: invalid url %q", cfg.URL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("lapi: api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.LiveRate > 0 {
		burst := cfg.LiveBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.LiveRate), burst)
	}

	return &Client{
		baseURL:    base.String(),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		userAgent:  "remedy-bouncer/" + version.Get().BuildVersion,
	}, nil
}

// StreamDecisions pulls the decisions added and deleted since the previous
// pull. startup asks for the full current set.
func (c *Client) StreamDecisions(ctx context.Context, startup bool, filter map[string]string) (domain.StreamDecisions, error) {
	query := url.Values{}
	query.Set("startup", strconv.FormatBool(startup))
	for k, v := range filter {
		query.Set(k, v)
	}

	var stream domain.StreamDecisions
	if err := c.get(ctx, streamPath, query, &stream); err != nil {
		return domain.StreamDecisions{}, err
	}
	return stream, nil
}

// FilteredDecisions returns the active decisions matching filter, e.g.
// {"ip": "1.2.3.4"} or {"scope": "country", "value": "FR"}.
func (c *Client) FilteredDecisions(ctx context.Context, filter map[string]string) ([]domain.RawDecision, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("lapi: rate limit wait: %w", err)
	}

	query := url.Values{}
	for k, v := range filter {
		query.Set(k, v)
	}

	var decisions []domain.RawDecision
	if err := c.get(ctx, decisionPath, query, &decisions); err != nil {
		return nil, err
	}
	return decisions, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("lapi: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lapi: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// A JSON null body decodes into the zero value.
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("lapi: decode %s: %w", path, err)
	}
	return nil
}
