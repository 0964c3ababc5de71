// Package capi is a watcher client for the CrowdSec Central API decision
// stream.
package capi

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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"remedy/internal/app/version"
	"remedy/internal/domain"
)

const (
	registerPath = "/v2/watchers"
	loginPath    = "/v2/watchers/login"
	streamPath   = "/v2/decisions/stream"

	// Tokens closer than this to their expiry are renewed before use.
	tokenRenewMargin = time.Minute
	defaultTokenTTL  = time.Hour

	maxResponseBytes = 64 << 20
	maxErrorExcerpt  = 2048
	defaultTimeout   = 30 * time.Second
)

var (
	ErrUnexpectedStatus = errors.New("capi: unexpected status")
	errUnauthorized     = errors.New("capi: unauthorized")
)

type Config struct {
	URL       string
	MachineID string
	Password  string
	Scenarios []string
	Timeout   time.Duration
}

type Client struct {
	baseURL    string
	machineID  string
	password   string
	scenarios  []string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time

	mu         sync.Mutex
	token      string
	expiresAt  time.Time
	registered bool
}

// New builds a client. Without a machine id, one is generated and the
// watcher registers itself before its first login.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("capi: invalid url %q", cfg.URL)
	}
	if cfg.Password == "" {
		return nil, errors.New("capi: password is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    base.String(),
		machineID:  cfg.MachineID,
		password:   cfg.Password,
		scenarios:  append([]string(nil), cfg.Scenarios...),
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "remedy-bouncer/" + version.Get().BuildVersion,
		now:        time.Now,
		registered: cfg.MachineID != "",
	}
	if c.machineID == "" {
		c.machineID = GenerateMachineID()
	}
	return c, nil
}

// GenerateMachineID returns a random 48 character watcher id.
func GenerateMachineID() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return (a + b)[:48]
}

func (c *Client) MachineID() string { return c.machineID }

// CapiStream pulls the community blocklist changes since the previous pull.
func (c *Client) CapiStream(ctx context.Context) (domain.CapiStream, error) {
	var stream domain.CapiStream
	err := c.authorized(ctx, func(token string) error {
		return c.do(ctx, http.MethodGet, streamPath, token, nil, &stream)
	})
	if err != nil {
		return domain.CapiStream{}, err
	}
	return stream, nil
}

// authorized runs call with a valid token and retries once with a fresh one
// when the server rejects it.
func (c *Client) authorized(ctx context.Context, call func(token string) error) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	err = call(token)
	if !errors.Is(err, errUnauthorized) {
		return err
	}

	c.dropToken()
	if token, err = c.ensureToken(ctx); err != nil {
		return err
	}
	return call(token)
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenRenewMargin).Before(c.expiresAt) {
		return c.token, nil
	}
	if !c.registered {
		if err := c.register(ctx); err != nil {
			return "", err
		}
		c.registered = true
	}
	return c.login(ctx)
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) register(ctx context.Context) error {
	body := map[string]string{"machine_id": c.machineID, "password": c.password}
	if err := c.do(ctx, http.MethodPost, registerPath, "", body, nil); err != nil {
		return fmt.Errorf("capi: register watcher: %w", err)
	}
	return nil
}

type loginResponse struct {
	Code   int    `json:"code"`
	Expire string `json:"expire"`
	Token  string `json:"token"`
}

// login must be called with c.mu held.
func (c *Client) login(ctx context.Context) (string, error) {
	body := map[string]any{
		"machine_id": c.machineID,
		"password":   c.password,
		"scenarios":  c.scenarios,
	}
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, loginPath, "", body, &resp); err != nil {
		return "", fmt.Errorf("capi: login: %w", err)
	}
	if resp.Token == "" {
		return "", errors.New("capi: login returned no token")
	}

	c.token = resp.Token
	c.expiresAt = c.tokenExpiry(resp)
	return c.token, nil
}

// tokenExpiry reads the exp claim of the token, then the expire field of the
// login response.
func (c *Client) tokenExpiry(resp loginResponse) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(resp.Token, claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if expire, err := time.Parse(time.RFC3339, resp.Expire); err == nil {
		return expire
	}
	return c.now().Add(defaultTokenTTL)
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
