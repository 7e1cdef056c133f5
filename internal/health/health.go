// Package health polls a deployed endpoint with bounded retries until it is
// healthy or the attempt budget is exhausted.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opsforge/shipctl/internal/pipeline"
)

// Checker issues bounded HTTP health probes.
type Checker struct {
	client *http.Client
	logger *slog.Logger
}

// NewChecker constructs a Checker. A nil client falls back to a default with
// a per-probe timeout.
func NewChecker(client *http.Client, logger *slog.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Checker{client: client, logger: logger}
}

// WaitHealthy polls endpoint up to maxAttempts times, sleeping interval
// between attempts. A network error counts as a failed attempt. It returns
// Healthy on the first HTTP 200, Unhealthy after exhausting attempts, and
// Inconclusive immediately when the endpoint is still empty, without
// consuming any attempts. Total suspension never exceeds
// (maxAttempts-1) x interval plus probe time.
func (c *Checker) WaitHealthy(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) pipeline.HealthCheckResult {
	if strings.TrimSpace(endpoint) == "" {
		c.logger.Warn("health endpoint not resolvable yet, skipping verification")
		return pipeline.HealthCheckResult{Verdict: pipeline.VerdictInconclusive}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	result := pipeline.HealthCheckResult{Verdict: pipeline.VerdictUnhealthy}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := c.probe(ctx, endpoint)
		result.LastStatus = status
		result.LastErr = err

		if err == nil && status == http.StatusOK {
			result.Verdict = pipeline.VerdictHealthy
			c.logger.Info("endpoint healthy", "endpoint", endpoint, "attempt", attempt)
			return result
		}

		c.logger.Warn("health probe failed",
			"endpoint", endpoint,
			"attempt", attempt,
			"max", maxAttempts,
			"status", status,
			"error", err,
		)

		if attempt < maxAttempts {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				result.LastErr = ctx.Err()
				return result
			}
		}
	}
	return result
}

func (c *Checker) probe(ctx context.Context, endpoint string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
