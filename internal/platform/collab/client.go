// Package collab holds the HTTP clients for the collaborating hospital
// systems: billing, discharge clearance, equipment inventory and staffing.
package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Retries is the number of extra attempts on transport errors and 5xx.
	Retries      int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// Token, when set, is sent as a bearer token.
	Token string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 200 * time.Millisecond
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 2 * time.Second
	}
}

type client struct {
	http   *resty.Client
	name   string
	logger zerolog.Logger
}

func newClient(name string, cfg Config, logger zerolog.Logger) *client {
	cfg.applyDefaults()
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &client{
		http:   rc,
		name:   name,
		logger: logger.With().Str("component", "collab").Str("collaborator", name).Logger(),
	}
}

// do sends the request and decodes a 2xx JSON body into result (if non-nil).
func (c *client) do(ctx context.Context, method, path string, body, result interface{}, headers map[string]string) error {
	req := c.http.R().SetContext(ctx).SetHeaders(headers)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("collaborator call failed")
		return fmt.Errorf("%s %s: %w", c.name, path, err)
	}
	c.logger.Debug().Str("path", path).Int("status", resp.StatusCode()).
		Dur("latency", time.Since(start)).Msg("collaborator call")
	if resp.IsError() {
		return fmt.Errorf("%s %s: status %d", c.name, path, resp.StatusCode())
	}
	return nil
}
