// Package voterroll provides a typed client for the voter-registration
// authority's lookup API. Authentication is a bearer token fetched once per
// run; lookups are plain GETs under that token.
package voterroll

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"context"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/memberworks/membersync/internal/resilience"
)

const (
	defaultTimeout = 12 * time.Second
	tokenTimeout   = 20 * time.Second
)

// Client defines the authority operations the pipeline uses.
type Client interface {
	// Authenticate obtains the bearer token for this run. Authentication
	// failures (401/403) are fatal; transient failures are retried up to
	// three times with backoff.
	Authenticate(ctx context.Context) error

	// Verify looks up one identity number on the roll.
	Verify(ctx context.Context, idNumber string) (*Result, error)
}

// Result is the decoded lookup response. International is set when the
// voter is registered on the authority's international segment and has no
// domestic ward.
type Result struct {
	Registered    bool   `json:"registered"`
	WardCode      string `json:"ward_code"`
	VotingStation string `json:"voting_station"`
	International bool   `json:"international"`
	Status        string `json:"status"`
}

// AuthError marks a non-retryable authentication failure.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("voterroll: authentication rejected (status %d)", e.StatusCode)
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client, for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit paces requests client-side (requests per second). This is
// independent of the shared hourly quota: it keeps the worker pool from
// bursting at the API even while under quota.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithRetryPolicy overrides the token-fetch retry policy, for tests.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) { c.retry = p }
}

type httpClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client
	limiter      *rate.Limiter
	retry        resilience.Policy

	mu    sync.RWMutex
	token string
}

// NewClient creates a voterroll API client.
func NewClient(baseURL, clientID, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *httpClient) Authenticate(ctx context.Context) error {
	token, err := resilience.Retry(ctx, c.retry, "voterroll.token", c.fetchToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return nil
}

func (c *httpClient) fetchToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(tokenRequest{ClientID: c.clientID, ClientSecret: c.clientSecret})
	if err != nil {
		return "", eris.Wrap(err, "voterroll: marshal token request")
	}

	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/token", strings.NewReader(string(body)))
	if err != nil {
		return "", eris.Wrap(err, "voterroll: create token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", resilience.Transient(eris.Wrap(err, "voterroll: token request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{StatusCode: resp.StatusCode}
	case resilience.RetryableStatus(resp.StatusCode):
		return "", resilience.Transient(eris.Errorf("voterroll: token status %d", resp.StatusCode), resp.StatusCode)
	default:
		return "", eris.Errorf("voterroll: token status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", eris.Wrap(err, "voterroll: decode token response")
	}
	if tr.AccessToken == "" {
		return "", eris.New("voterroll: empty access token")
	}
	return tr.AccessToken, nil
}

func (c *httpClient) Verify(ctx context.Context, idNumber string) (*Result, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return nil, eris.New("voterroll: not authenticated")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "voterroll: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/voters/"+idNumber, nil)
	if err != nil {
		return nil, eris.Wrap(err, "voterroll: create verify request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "voterroll: verify request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, eris.Errorf("voterroll: verify status %d for %s", resp.StatusCode, idNumber)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, eris.Wrap(err, "voterroll: decode verify response")
	}
	return &res, nil
}
