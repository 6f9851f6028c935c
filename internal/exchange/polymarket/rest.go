package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bookrelay/internal/breakers"
	"bookrelay/internal/exchange"
	"bookrelay/internal/trace"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ClientConfig holds REST snapshot client settings
type ClientConfig struct {
	RESTURL       string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	// OnBreakerChange is called when the breaker changes state
	OnBreakerChange func(name, from, to string)
}

// StatusError is a non-200 reply from the REST API
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("snapshot request failed with status %d: %s", e.Code, e.Body)
}

// abandonedError wraps a failure caused by the caller's context ending
type abandonedError struct{ err error }

func (e *abandonedError) Error() string { return e.err.Error() }
func (e *abandonedError) Unwrap() error { return e.err }

// upstreamHealthy reports whether err leaves the REST API's health untouched.
// Caller cancellations and 4xx replies other than 429 are not upstream faults.
func upstreamHealthy(err error) bool {
	if err == nil {
		return true
	}
	var abandoned *abandonedError
	if errors.As(err, &abandoned) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 400 && status.Code < 500 && status.Code != http.StatusTooManyRequests
	}
	return false
}

// Client fetches one-shot books from the CLOB REST API
type Client struct {
	restURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *breakers.Breaker
}

// NewClient creates a REST snapshot client
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	return &Client{
		restURL:    strings.TrimRight(config.RESTURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
		breaker: breakers.New("polymarket-rest", breakers.Settings{
			OnStateChange: config.OnBreakerChange,
			IsSuccessful:  upstreamHealthy,
		}),
	}
}

// GetSnapshot fetches the current book for assetID
func (c *Client) GetSnapshot(ctx context.Context, assetID string) (*exchange.Snapshot, error) {
	ctx, span := trace.StartSpan(ctx, "fallback.snapshot")
	defer span.End()
	span.SetAttributes(attribute.String("asset_id", assetID))

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	v, err := c.breaker.Execute(func() (any, error) {
		snap, err := c.fetch(ctx, assetID)
		if err != nil && ctx.Err() != nil {
			return nil, &abandonedError{err: err}
		}
		return snap, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.(*exchange.Snapshot), nil
}

func (c *Client) fetch(ctx context.Context, assetID string) (*exchange.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/book?token_id=%s", c.restURL, url.QueryEscape(assetID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var msg BookMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	snap, err := convertBook(&msg, assetID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return snap, nil
}
