package verify

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/ratelimit"
	"github.com/memberworks/membersync/pkg/voterroll"
)

// fakeClient returns canned results per ID with an optional per-call delay.
type fakeClient struct {
	results map[string]*voterroll.Result
	delay   func(id string) time.Duration
	calls   atomic.Int32
}

func (f *fakeClient) Authenticate(context.Context) error { return nil }

func (f *fakeClient) Verify(ctx context.Context, id string) (*voterroll.Result, error) {
	f.calls.Add(1)
	if f.delay != nil {
		select {
		case <-time.After(f.delay(id)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if res, ok := f.results[id]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("lookup error for %s", id)
}

func batch(n int) []model.MemberRecord {
	recs := make([]model.MemberRecord, n)
	for i := range recs {
		recs[i] = model.MemberRecord{
			RowIndex:     i + 2, // spreadsheet rows start after the header
			IDNumber:     fmt.Sprintf("id-%03d", i),
			ExpectedWard: "79800085",
		}
	}
	return recs
}

func registeredEverywhere(n int) map[string]*voterroll.Result {
	m := make(map[string]*voterroll.Result, n)
	for i := 0; i < n; i++ {
		m[fmt.Sprintf("id-%03d", i)] = &voterroll.Result{Registered: true, WardCode: "79800085"}
	}
	return m
}

func TestRun_AllVerifiedInOrder(t *testing.T) {
	n := 20
	client := &fakeClient{
		results: registeredEverywhere(n),
		// Later rows finish first to force out-of-order completion.
		delay: func(id string) time.Duration {
			var i int
			fmt.Sscanf(id, "id-%d", &i) //nolint:errcheck
			return time.Duration(n-i) * time.Millisecond
		},
	}
	eng := NewEngine(client, ratelimit.NewMemory(1000), Config{Workers: 8})

	res, err := eng.Run(context.Background(), batch(n), 0)
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	require.Len(t, res.Outcomes, n)

	for i, out := range res.Outcomes {
		assert.Equal(t, i+2, out.RowIndex, "output must preserve input order")
		assert.Equal(t, model.StatusRegisteredInWard, out.Category)
	}
}

func TestRun_QuotaExceededPausesAtResumeIndex(t *testing.T) {
	client := &fakeClient{results: registeredEverywhere(10)}
	eng := NewEngine(client, ratelimit.NewMemory(7), Config{Workers: 1})

	res, err := eng.Run(context.Background(), batch(10), 0)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 7, res.ResumeIndex)
	assert.Len(t, res.Outcomes, 7)
	assert.False(t, res.ResetTime.IsZero())
	assert.Equal(t, int32(7), client.calls.Load(), "rejected rows must not reach the API")
}

func TestRun_ResumeProcessesOnlyRemainder(t *testing.T) {
	client := &fakeClient{results: registeredEverywhere(10)}
	// Fresh window: a new limiter stands in for the hour rolling over.
	eng := NewEngine(client, ratelimit.NewMemory(100), Config{Workers: 1})

	res, err := eng.Run(context.Background(), batch(10), 7)
	require.NoError(t, err)
	assert.False(t, res.Stopped)
	require.Len(t, res.Outcomes, 3)
	assert.Equal(t, int32(3), client.calls.Load())
	assert.Equal(t, 9, res.Outcomes[0].RowIndex)
}

func TestRun_LookupErrorsClassifyAsFailed(t *testing.T) {
	// No canned results: every lookup errors.
	client := &fakeClient{results: map[string]*voterroll.Result{}}
	eng := NewEngine(client, ratelimit.NewMemory(100), Config{Workers: 3})

	res, err := eng.Run(context.Background(), batch(5), 0)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 5)
	for _, out := range res.Outcomes {
		assert.Equal(t, model.StatusLookupFailed, out.Category)
	}
}

func TestRun_CarriesInternationalFlag(t *testing.T) {
	client := &fakeClient{results: map[string]*voterroll.Result{
		"id-000": {Registered: true, International: true},
	}}
	eng := NewEngine(client, ratelimit.NewMemory(10), Config{Workers: 1})

	res, err := eng.Run(context.Background(), batch(1), 0)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].International)
	assert.Equal(t, model.StatusRegisteredElsewhere, res.Outcomes[0].Category)
}

func TestRun_EmptyAndResumedPastEnd(t *testing.T) {
	client := &fakeClient{results: map[string]*voterroll.Result{}}
	eng := NewEngine(client, ratelimit.NewMemory(10), Config{})

	res, err := eng.Run(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)

	res, err = eng.Run(context.Background(), batch(3), 3)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, int32(0), client.calls.Load())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		res      voterroll.Result
		expected string
		want     model.StatusCategory
	}{
		{"registered in expected ward", voterroll.Result{Registered: true, WardCode: "79800085"}, "79800085", model.StatusRegisteredInWard},
		{"registered elsewhere", voterroll.Result{Registered: true, WardCode: "52305011"}, "79800085", model.StatusRegisteredElsewhere},
		{"registered, no expected ward", voterroll.Result{Registered: true, WardCode: "79800085"}, "", model.StatusRegisteredElsewhere},
		{"not registered, nothing resolved", voterroll.Result{}, "79800085", model.StatusNotRegistered},
		{"station present means deceased", voterroll.Result{VotingStation: "Parkview Primary"}, "79800085", model.StatusDeceased},
		{"unregistered with ward but no station", voterroll.Result{WardCode: "52305011"}, "79800085", model.StatusLookupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&tt.res, tt.expected))
		})
	}
}
