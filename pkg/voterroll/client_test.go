package voterroll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberworks/membersync/internal/resilience"
)

func fastRetry() Option {
	return WithRetryPolicy(resilience.Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestAuthenticate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/token", r.URL.Path)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "client-1", req.ClientID)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-abc", ExpiresIn: 3600}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "client-1", "secret", fastRetry())
	require.NoError(t, c.Authenticate(context.Background()))
}

func TestAuthenticate_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-abc"}) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "id", "secret", fastRetry())
	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestAuthenticate_AuthFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "id", "wrong", fastRetry())
	err := c.Authenticate(context.Background())
	require.Error(t, err)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "auth failures must not be retried")
}

func TestAuthenticate_GivesUpAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "id", "secret", fastRetry())
	require.Error(t, c.Authenticate(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestVerify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/token":
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok-abc"}) //nolint:errcheck
		case "/v1/voters/8001015009087":
			assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(Result{ //nolint:errcheck
				Registered:    true,
				WardCode:      "79800085",
				VotingStation: "Parkview Primary",
				Status:        "REGISTERED",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "id", "secret", fastRetry())
	require.NoError(t, c.Authenticate(context.Background()))

	res, err := c.Verify(context.Background(), "8001015009087")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.Equal(t, "79800085", res.WardCode)
	assert.Equal(t, "Parkview Primary", res.VotingStation)
}

func TestVerify_RequiresAuthentication(t *testing.T) {
	c := NewClient("http://example.invalid", "id", "secret")
	_, err := c.Verify(context.Background(), "8001015009087")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authenticated")
}

func TestVerify_ServerErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/token" {
			json.NewEncoder(w).Encode(tokenResponse{AccessToken: "tok"}) //nolint:errcheck
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "id", "secret", fastRetry())
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.Verify(context.Background(), "8001015009087")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
