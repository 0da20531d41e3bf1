// Package pipeline sequences a batch through pre-validation, verification,
// reconciliation, and the bulk upsert, tracking each run as a persisted
// state machine so a rate-limit pause can be resumed in a later window.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/memberworks/membersync/internal/geo"
	"github.com/memberworks/membersync/internal/model"
	"github.com/memberworks/membersync/internal/ratelimit"
	"github.com/memberworks/membersync/internal/store"
	"github.com/memberworks/membersync/internal/verify"
	"github.com/memberworks/membersync/pkg/voterroll"
)

// maxSummaryErrors bounds the per-row error list carried in a run summary.
const maxSummaryErrors = 50

// Batch is one uploaded file's worth of raw rows.
type Batch struct {
	FileName string
	Records  []model.RawRecord
}

// Options tunes a Pipeline.
type Options struct {
	Verify   verify.Config
	Progress Progress
	DryRun   bool
}

// Pipeline orchestrates one ingestion run end to end.
type Pipeline struct {
	store    store.Store
	client   voterroll.Client
	engine   *verify.Engine
	progress Progress
	dryRun   bool
}

// New creates a Pipeline. The limiter is shared with the verification
// engine so every worker draws from the same hourly quota.
func New(st store.Store, client voterroll.Client, limiter ratelimit.Limiter, opts Options) *Pipeline {
	progress := opts.Progress
	if progress == nil {
		progress = NopProgress{}
	}
	return &Pipeline{
		store:    st,
		client:   client,
		engine:   verify.NewEngine(client, limiter, opts.Verify),
		progress: progress,
		dryRun:   opts.DryRun,
	}
}

// Run processes a fresh batch. A rate-limit pause is not an error: the
// returned run carries status Paused with the resume token, and the rows
// verified before the pause are already reconciled and persisted.
func (p *Pipeline) Run(ctx context.Context, batch Batch) (*model.Run, map[string]int64, error) {
	run := &model.Run{
		ID:       uuid.NewString(),
		FileName: batch.FileName,
		Status:   model.RunStatusIdle,
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: create run")
	}
	return p.execute(ctx, run, batch.Records, 0)
}

// Resume re-enters a paused run from its recorded resume index. The caller
// supplies the same batch the run was created with.
func (p *Pipeline) Resume(ctx context.Context, runID string, batch Batch) (*model.Run, map[string]int64, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: resume")
	}
	if run.Status != model.RunStatusPaused {
		return nil, nil, eris.Errorf("pipeline: run %s is %s, only paused runs can resume", runID, run.Status)
	}
	return p.execute(ctx, run, batch.Records, run.ResumeIndex)
}

func (p *Pipeline) execute(ctx context.Context, run *model.Run, records []model.RawRecord, start int) (*model.Run, map[string]int64, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("file", run.FileName))
	log.Info("pipeline: starting run", zap.Int("rows", len(records)), zap.Int("start", start))

	// Refuse to touch a store whose schema has drifted, before any row
	// is processed.
	if err := p.store.CheckSchema(ctx); err != nil {
		return nil, nil, p.fail(ctx, run, eris.Wrap(err, "pipeline: schema check"))
	}

	p.setStage(ctx, run, model.RunStatusPreValidating, 0, len(records))
	pv, err := PreValidate(ctx, p.store, records)
	if err != nil {
		return nil, nil, p.fail(ctx, run, err)
	}

	if err := p.client.Authenticate(ctx); err != nil {
		return nil, nil, p.fail(ctx, run, eris.Wrap(err, "pipeline: authenticate"))
	}

	p.setStage(ctx, run, model.RunStatusVerifying, start, len(pv.Records))
	res, err := p.engine.Run(ctx, pv.Records, start)
	if err != nil {
		return nil, nil, p.fail(ctx, run, eris.Wrap(err, "pipeline: verification"))
	}

	p.setStage(ctx, run, model.RunStatusReconciling, res.ResumeIndex, len(pv.Records))
	mappings, err := p.store.GeoMappings(ctx)
	if err != nil {
		return nil, nil, p.fail(ctx, run, eris.Wrap(err, "pipeline: load geo mappings"))
	}
	members := Reconcile(pv.Records, res.Outcomes, geo.NewResolver(mappings))

	p.setStage(ctx, run, model.RunStatusUpserting, res.ResumeIndex, len(pv.Records))
	var keys map[string]int64
	if p.dryRun {
		log.Info("pipeline: dry run, skipping upsert", zap.Int("members", len(members)))
		keys = map[string]int64{}
	} else {
		keys, err = p.store.UpsertMembers(ctx, members)
		if err != nil {
			return nil, nil, p.fail(ctx, run, eris.Wrap(err, "pipeline: upsert"))
		}
	}

	summary := p.summarize(pv, res, members, len(records))

	run.Summary = summary
	if res.Stopped {
		run.Status = model.RunStatusPaused
		run.ResumeIndex = res.ResumeIndex
		reset := res.ResetTime
		run.ResetTime = &reset
		log.Info("pipeline: paused on rate limit",
			zap.Int("resume_index", res.ResumeIndex),
			zap.Time("reset_time", reset))
	} else {
		run.Status = model.RunStatusCompleted
		run.ResumeIndex = 0
		run.ResetTime = nil
	}
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return nil, nil, eris.Wrap(err, "pipeline: persist run")
	}

	p.progress.Publish(Event{
		RunID:     run.ID,
		Stage:     run.Status,
		Processed: res.ResumeIndex,
		Total:     len(pv.Records),
		Terminal:  true,
		Summary:   summary,
	})
	log.Info("pipeline: run finished",
		zap.String("status", string(run.Status)),
		zap.Int("imported", summary.Imported))
	return run, keys, nil
}

func (p *Pipeline) summarize(pv *PreValidated, res *verify.Result, members []model.Member, total int) *model.RunSummary {
	summary := &model.RunSummary{
		Total:      total,
		Invalid:    len(pv.Invalid),
		Duplicates: len(pv.Duplicates),
		Skipped:    len(pv.Invalid) + pv.nonKeptDuplicates(),
		Existing:   len(pv.Existing),
		New:        pv.NewCount,
		Imported:   len(members),
	}
	for _, inv := range pv.Invalid {
		if len(summary.Errors) >= maxSummaryErrors {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("... and %d more", len(pv.Invalid)-maxSummaryErrors))
			break
		}
		summary.Errors = append(summary.Errors,
			fmt.Sprintf("row %d: %s", inv.RowIndex, inv.Reason))
	}
	if res.Stopped {
		summary.Paused = true
		summary.ResumeIndex = res.ResumeIndex
	}
	return summary
}

func (p *Pipeline) setStage(ctx context.Context, run *model.Run, status model.RunStatus, processed, total int) {
	run.Status = status
	if err := p.store.UpdateRun(ctx, run); err != nil {
		zap.L().Warn("pipeline: failed to persist stage",
			zap.String("run_id", run.ID),
			zap.String("stage", string(status)),
			zap.Error(err))
	}
	p.progress.Publish(Event{
		RunID:     run.ID,
		Stage:     status,
		Processed: processed,
		Total:     total,
	})
}

// fail marks the run Failed with the terminal reason and returns the error.
func (p *Pipeline) fail(ctx context.Context, run *model.Run, err error) error {
	run.Status = model.RunStatusFailed
	run.FailReason = err.Error()
	if updateErr := p.store.UpdateRun(ctx, run); updateErr != nil {
		zap.L().Warn("pipeline: failed to persist failure",
			zap.String("run_id", run.ID),
			zap.Error(updateErr))
	}
	p.progress.Publish(Event{
		RunID:    run.ID,
		Stage:    model.RunStatusFailed,
		Terminal: true,
	})
	return err
}
