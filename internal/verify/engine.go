// Package verify runs voter-roll lookups over a validated batch with a
// bounded worker pool, consulting the shared rate limiter before every call.
package verify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/ratelimit"
	"github.com/memberworks/membersync/pkg/voterroll"
)

// Config tunes the engine.
type Config struct {
	Workers       int           // concurrent lookups; default 15
	LookupTimeout time.Duration // per-lookup deadline; default 12s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 15
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 12 * time.Second
	}
	return c
}

// Result is the engine's output. Outcomes is in input order regardless of
// completion order. When Stopped is set the run hit the hourly quota:
// Outcomes covers records[start:ResumeIndex] and the caller is responsible
// for re-invoking with ResumeIndex in a later window.
type Result struct {
	Outcomes    []model.VerificationOutcome
	Stopped     bool
	ResumeIndex int
	ResetTime   time.Time
}

// Engine is the bounded worker pool. The limiter is injected so the same
// engine works against an in-process, Redis, or service-coordinated quota.
type Engine struct {
	client  voterroll.Client
	limiter ratelimit.Limiter
	cfg     Config
}

// NewEngine creates a verification engine.
func NewEngine(client voterroll.Client, limiter ratelimit.Limiter, cfg Config) *Engine {
	return &Engine{client: client, limiter: limiter, cfg: cfg.withDefaults()}
}

// Run verifies records[start:] and reassociates each result with its row.
// A quota exceedance is cooperative: the stop flag blocks new dispatch while
// in-flight lookups finish, and the lowest unverified index becomes the
// resume point. Individual lookup failures classify as LookupFailed and
// never stop the batch.
func (e *Engine) Run(ctx context.Context, records []model.MemberRecord, start int) (*Result, error) {
	n := len(records)
	if start < 0 {
		start = 0
	}
	if start >= n {
		return &Result{ResumeIndex: n}, nil
	}

	outcomes := make([]*model.VerificationOutcome, n)

	var stopped atomic.Bool
	var mu sync.Mutex
	resume := n
	var resetTime time.Time

	markStopped := func(idx int, reset time.Time) {
		stopped.Store(true)
		mu.Lock()
		if idx < resume {
			resume = idx
		}
		if !reset.IsZero() && (resetTime.IsZero() || reset.Before(resetTime)) {
			resetTime = reset
		}
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for i := start; i < n; i++ {
		if stopped.Load() || gctx.Err() != nil {
			markStopped(i, time.Time{})
			break
		}

		rec := records[i]
		idx := i
		g.Go(func() error {
			// Re-check after waiting for a pool slot.
			if stopped.Load() {
				markStopped(idx, time.Time{})
				return nil
			}

			st, err := e.limiter.CheckAndIncrement(gctx)
			if err != nil {
				return err
			}
			if st.Exceeded {
				zap.L().Warn("hourly quota exceeded, stopping dispatch",
					zap.Int("row", idx),
					zap.Int("count", st.Count),
					zap.Time("reset", st.ResetTime),
				)
				markStopped(idx, st.ResetTime)
				return nil
			}
			if st.Warning {
				zap.L().Warn("approaching hourly quota",
					zap.Int("count", st.Count),
					zap.Int("remaining", st.Remaining),
				)
			}

			out := e.lookup(gctx, rec)
			outcomes[idx] = &out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Stopped: stopped.Load(), ResumeIndex: n, ResetTime: resetTime}
	if res.Stopped {
		res.ResumeIndex = resume
	}
	for i := start; i < res.ResumeIndex; i++ {
		if outcomes[i] != nil {
			res.Outcomes = append(res.Outcomes, *outcomes[i])
		}
	}
	return res, nil
}

// lookup performs one bounded lookup. Errors and timeouts degrade to
// LookupFailed rather than failing the run.
func (e *Engine) lookup(ctx context.Context, rec model.MemberRecord) model.VerificationOutcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	out := model.VerificationOutcome{
		RowIndex: rec.RowIndex,
		IDNumber: rec.IDNumber,
		Category: model.StatusLookupFailed,
	}

	res, err := e.client.Verify(ctx, rec.IDNumber)
	if err != nil {
		zap.L().Debug("voter roll lookup failed",
			zap.String("id_number", rec.IDNumber),
			zap.Error(err),
		)
		return out
	}

	out.Registered = res.Registered
	out.WardCode = res.WardCode
	out.Station = res.VotingStation
	out.International = res.International
	out.RawStatus = res.Status
	out.Category = Classify(res, rec.ExpectedWard)
	return out
}

// Classify maps a raw lookup response to a status category. Station data
// on a non-registered voter is the authority's deceased signal.
func Classify(res *voterroll.Result, expectedWard string) model.StatusCategory {
	switch {
	case res.Registered && expectedWard != "" && res.WardCode == expectedWard:
		return model.StatusRegisteredInWard
	case res.Registered:
		return model.StatusRegisteredElsewhere
	case res.VotingStation != "":
		return model.StatusDeceased
	case res.WardCode == "":
		return model.StatusNotRegistered
	default:
		return model.StatusLookupFailed
	}
}
