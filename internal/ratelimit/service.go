package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ServiceLimiter consumes the quota coordination API exposed by the serve
// command (POST /ratelimit/increment, GET /ratelimit/status). It lets a
// pipeline instance share the window counter without its own Redis
// connection. Transport failures fail open like the other backends.
type ServiceLimiter struct {
	baseURL  string
	capacity int
	http     *http.Client
	now      func() time.Time
}

// NewService creates a limiter that defers to a coordination service.
// capacity is only used for the fail-open status; the service owns the
// authoritative number.
func NewService(baseURL string, capacity int) *ServiceLimiter {
	return &ServiceLimiter{
		baseURL:  baseURL,
		capacity: capacity,
		http:     &http.Client{Timeout: 5 * time.Second},
		now:      time.Now,
	}
}

// WithHTTPClient overrides the HTTP client, for tests.
func (l *ServiceLimiter) WithHTTPClient(c *http.Client) *ServiceLimiter {
	l.http = c
	return l
}

func (l *ServiceLimiter) CheckAndIncrement(ctx context.Context) (Status, error) {
	return l.call(ctx, http.MethodPost, l.baseURL+"/ratelimit/increment")
}

func (l *ServiceLimiter) Status(ctx context.Context) (Status, error) {
	return l.call(ctx, http.MethodGet, l.baseURL+"/ratelimit/status")
}

func (l *ServiceLimiter) call(ctx context.Context, method, url string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return failOpen(l.capacity, l.now()), nil
	}

	resp, err := l.http.Do(req)
	if err != nil {
		zap.L().Warn("rate limit service unreachable, failing open", zap.Error(err))
		return failOpen(l.capacity, l.now()), nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		zap.L().Warn("rate limit service error, failing open", zap.Int("status", resp.StatusCode))
		return failOpen(l.capacity, l.now()), nil
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		zap.L().Warn("rate limit service bad response, failing open", zap.Error(err))
		return failOpen(l.capacity, l.now()), nil
	}
	return st, nil
}
