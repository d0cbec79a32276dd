// Package webhook is the abstract notification transport: a single Deliver
// method the notifier calls into, with a concrete HTTP implementation so
// the module runs end-to-end without an external system.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Sink is the abstract collaborator the engine treats as opaque; the
// concrete transport is external to the scheduler.
type Sink interface {
	Deliver(ctx context.Context, templateID string, variables map[string]string) error
}

// HTTPConfig configures the concrete httpSink.
type HTTPConfig struct {
	URL           string
	Token         string // WEBHOOK_TOKEN, passed through as a bearer credential
	Timeout       time.Duration
	RatePerMinute int
}

// FromEnv overlays WEBHOOK_URL/WEBHOOK_TOKEN environment variables onto cfg,
// so credentials never need to live in the catalog file.
func (c HTTPConfig) FromEnv() HTTPConfig {
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		c.URL = v
	}
	if v := os.Getenv("WEBHOOK_TOKEN"); v != "" {
		c.Token = v
	}
	return c
}

type httpSink struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSink returns a Sink that POSTs a JSON payload to cfg.URL, rate
// limited to cfg.RatePerMinute (default 60).
func NewHTTPSink(cfg HTTPConfig) Sink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rpm := cfg.RatePerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &httpSink{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}
}

type payload struct {
	TemplateID string            `json:"payload_template_id"`
	Variables  map[string]string `json:"variables"`
}

func (s *httpSink) Deliver(ctx context.Context, templateID string, variables map[string]string) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("webhook: no URL configured")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook: rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload{TemplateID: templateID, Variables: variables})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
