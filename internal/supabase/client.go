// Package supabase is a client for the subset of the Supabase Management API
// used by the compliance checks and fixes.
package supabase

import (
	"bytes"
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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/qualys/sbcompliance/internal/metrics"
)

const DefaultBaseURL = "https://api.supabase.com/v1"

// Operation names used in errors and metrics.
const (
	OpListProjects     = "list_projects"
	OpGetAuthConfig    = "get_auth_config"
	OpUpdateAuthConfig = "update_auth_config"
	OpGetBackups       = "get_backups"
	OpUpdateBackups    = "update_backups"
	OpRunQuery         = "run_query"
)

const maxResponseBody = 16 << 20

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int

	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32
}

type Client struct {
	baseURL   string
	timeout   time.Duration
	transport http.RoundTripper
	limiter   *rate.Limiter
	cb        *gobreaker.CircuitBreaker
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

type Option func(*Client)

// WithTransport replaces the base round tripper the bearer transport wraps.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport = rt
	}
}

func NewClient(cfg Config, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
		transport: http.DefaultTransport,
		metrics:   m,
		logger:    logger.Named("supabase"),
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	threshold := cfg.BreakerFailureThreshold
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase-management-api",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only outages trip the breaker; bad SQL or a bad token do not.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUpstreamUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.CircuitBreakerState.Set(float64(to))
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListProjects(ctx context.Context, credential string) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, credential, OpListProjects, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []Project{}
	}
	return projects, nil
}

func (c *Client) GetAuthConfig(ctx context.Context, credential, projectRef string) (*AuthConfig, error) {
	var cfg AuthConfig
	if err := c.do(ctx, credential, OpGetAuthConfig, http.MethodGet, projectPath(projectRef, "config/auth"), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) UpdateAuthConfig(ctx context.Context, credential, projectRef string, update AuthConfigUpdate) error {
	return c.do(ctx, credential, OpUpdateAuthConfig, http.MethodPatch, projectPath(projectRef, "config/auth"), update, nil)
}

func (c *Client) GetBackups(ctx context.Context, credential, projectRef string) (*BackupConfig, error) {
	var cfg BackupConfig
	if err := c.do(ctx, credential, OpGetBackups, http.MethodGet, projectPath(projectRef, "database/backups"), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Client) UpdateBackups(ctx context.Context, credential, projectRef string, pitrEnabled bool) error {
	return c.do(ctx, credential, OpUpdateBackups, http.MethodPatch, projectPath(projectRef, "database/backups"), backupUpdate{PITREnabled: pitrEnabled}, nil)
}

// RunQuery executes sql through the project's SQL endpoint and returns the
// raw payload.
func (c *Client) RunQuery(ctx context.Context, credential, projectRef, sql string) (QueryResult, error) {
	var raw json.RawMessage
	if err := c.do(ctx, credential, OpRunQuery, http.MethodPost, projectPath(projectRef, "database/query"), queryRequest{Query: sql}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func projectPath(projectRef, suffix string) string {
	return "/projects/" + url.PathEscape(projectRef) + "/" + suffix
}

// httpClient authenticates every request with credential as a bearer token.
func (c *Client) httpClient(credential string) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
}

func (c *Client) do(ctx context.Context, credential, op, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &APIError{Kind: ErrUpstreamUnavailable, Op: op, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
	}

	start := time.Now()
	code := "error"
	defer func() {
		c.metrics.UpstreamRequests.WithLabelValues(op, code).Inc()
		c.metrics.UpstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	result, err := c.cb.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("%s: building request: %w", op, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient(credential).Do(req)
		if err != nil {
			return nil, &APIError{Kind: ErrUpstreamUnavailable, Op: op, Err: err}
		}
		defer resp.Body.Close()
		code = strconv.Itoa(resp.StatusCode)

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, &APIError{Kind: ErrUpstreamUnavailable, Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, classifyStatus(op, resp.StatusCode, data)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			code = "circuit_open"
			return &APIError{Kind: ErrUpstreamUnavailable, Op: op, Err: err}
		}
		c.logger.Debug("management api call failed", zap.String("op", op), zap.Error(err))
		return err
	}

	data, _ := result.([]byte)
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Kind: ErrMalformedResponse, Op: op, Body: truncateBody(data), Err: err}
	}
	return nil
}
