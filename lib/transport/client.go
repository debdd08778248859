// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/capsule-apps/capsule/lib/clock"
	"github.com/capsule-apps/capsule/lib/errcode"
)

// Retry policy for transient fetch failures.
const (
	defaultAttempts  = 3
	defaultBaseDelay = 500 * time.Millisecond
	backoffFactor    = 2
)

// ClientOptions configures a Client. Zero values select the defaults.
type ClientOptions struct {
	HTTP      *http.Client
	Logger    *slog.Logger
	Clock     clock.Clock
	Attempts  int
	BaseDelay time.Duration
}

// Client is an HTTP fetcher with exponential-backoff retries. Network
// errors and 5xx responses are retried; 4xx responses are not — a 404
// will still be a 404 on the third try.
type Client struct {
	http      *http.Client
	logger    *slog.Logger
	clock     clock.Clock
	attempts  int
	baseDelay time.Duration
}

// NewClient creates a retrying HTTP client.
func NewClient(opts ClientOptions) *Client {
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Attempts == 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	return &Client{
		http:      opts.HTTP,
		logger:    opts.Logger,
		clock:     opts.Clock,
		attempts:  opts.Attempts,
		baseDelay: opts.BaseDelay,
	}
}

// Get fetches url, retrying transient failures.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffDelay(attempt)
			c.logger.Debug("retrying fetch", "url", url, "attempt", attempt+1, "delay", delay)
			select {
			case <-c.clock.After(delay):
			case <-ctx.Done():
				return nil, errcode.Wrap(errcode.Cancelled, ctx.Err(), "fetch cancelled")
			}
		}

		data, err := c.getOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Cancelled, ctx.Err(), "fetch cancelled")
		}
		return nil, errcode.Wrap(errcode.NetworkUnavailable, err, "fetching %s", url)
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode >= 500:
		return nil, errcode.New(errcode.HTTPServerError, "fetching %s: %s", url, response.Status)
	case response.StatusCode >= 400:
		return nil, errcode.New(errcode.HTTPClientError, "fetching %s: %s", url, response.Status)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, errcode.Wrap(errcode.NetworkUnavailable, err, "reading %s", url)
	}
	return data, nil
}

// backoffDelay returns base * factor^(attempt-1), jittered ±25% so
// parallel pulls do not hammer a recovering server in lockstep.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
	}
	jitter := 0.75 + rand.Float64()/2
	return time.Duration(float64(delay) * jitter)
}

// retryable reports whether a fetch error is worth another attempt.
func retryable(err error) bool {
	switch errcode.CodeOf(err) {
	case errcode.NetworkUnavailable, errcode.HTTPServerError:
		return true
	default:
		return false
	}
}
