package pipeline

import (
	"context"
	log "log/slog"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/flow"
	"github.com/covpipe/covpipe/report"
)

const finisherBlockingWait = 5 * time.Second

// FinisherTask merges processed partials into the master report. It merges
// at most one batch per invocation so memory stays bounded no matter how
// many uploads a commit receives, then either schedules itself again,
// hands off to the notifier, or exits because in-flight Processors will
// bring their own Finisher.
func (p *Pipeline) FinisherTask(ctx context.Context, env *Envelope) (*Outcome, error) {
	flowLog := resumeFlowLog(env)
	defer stashFlowLog(env.Kwargs, flowLog)

	repoID, sha, rt, err := commitArgs(env)
	if err != nil {
		return nil, err
	}
	if env.BoolKwarg("in_parallel") {
		return p.finishShadow(ctx, env, repoID, sha)
	}

	lock, err := p.locks.Acquire(ctx, uploadProcessingLockKey(repoID, sha, rt), defaultLockTTL, finisherBlockingWait)
	if err != nil {
		if covpipe.CodeOf(err) != covpipe.LockAcquisitionFailure {
			return nil, err
		}
		if env.Retries >= ProcessorLockRetries {
			flowLog.MustCheckpoint(evTooManyRetries)
			return failed(map[string]any{"reason": "could not acquire processing lock"}), nil
		}
		return retryAfter(ProcessorLockBackoff(env.Retries)), nil
	}
	released := false
	defer func() {
		if !released {
			lock.Release(ctx)
		}
	}()

	state := NewProcessingState(p.Cache, repoID, sha, rt)
	counts, err := state.Counts(ctx)
	if err != nil {
		return nil, err
	}

	merged := false
	if counts.ShouldMerge() && counts.Processed > 0 {
		if err := p.mergeOneBatch(ctx, repoID, sha, rt, state); err != nil {
			return nil, err
		}
		_ = flowLog.Checkpoint(evBatchProcessingComplete, true)
		merged = true
		counts, err = state.Counts(ctx)
		if err != nil {
			return nil, err
		}
	}

	// Follow-up tasks contend for the processing lock, so release before
	// scheduling anything.
	released = true
	lock.Release(ctx)

	switch {
	case counts.ShouldPostprocess():
		_ = flowLog.Checkpoint(evProcessingComplete, true)
		if err := p.postprocess(ctx, env, repoID, sha, rt, flowLog); err != nil {
			return nil, err
		}
		return ok(map[string]any{"merged": merged, "notify_scheduled": true}), nil
	case counts.ShouldMerge() && counts.Processed > 0:
		// More processed uploads already wait; run another bounded batch.
		kwargs := cloneEnvelopeKwargs(env)
		stashFlowLog(kwargs, flowLog)
		if err := p.Runner.Submit(ctx, Signature{Name: TaskUploadFinisher, Queue: queueUploads, Kwargs: kwargs}); err != nil {
			return nil, err
		}
		return ok(map[string]any{"merged": merged, "rescheduled": true}), nil
	default:
		// Processors still in flight; the tail of their chain runs the
		// next Finisher.
		return ok(map[string]any{"merged": merged, "in_flight": counts.Processing}), nil
	}
}

// mergeOneBatch folds up to MergeBatchSize processed partials into the
// master report under the held processing lock.
func (p *Pipeline) mergeOneBatch(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType, state *ProcessingState) error {
	ids, err := state.TakeForMerge(ctx, MergeBatchSize)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	partials, err := p.inter.LoadMany(ctx, ids)
	if err != nil {
		return err
	}
	master, err := p.loadMasterReport(ctx, repoID, sha, rt, false)
	if err != nil {
		return err
	}
	for i, partial := range partials {
		if err := master.Merge(partial, nil); err != nil {
			log.Error("merging partial report", "repoID", repoID, "sha", sha, "uploadID", ids[i], "err", err)
			p.markUploadErrored(ctx, ids[i], err)
		}
	}
	if rt == covpipe.CoverageReport {
		p.applyCommitDiff(ctx, repoID, sha, master)
	}
	if err := p.storeMasterReport(ctx, repoID, sha, rt, false, master); err != nil {
		return err
	}
	if err := state.MarkMerged(ctx, ids); err != nil {
		return err
	}
	for _, id := range ids {
		p.markUploadState(ctx, id, covpipe.UploadMerged)
	}
	if err := p.inter.DeleteMany(ctx, ids); err != nil {
		log.Warn("deleting merged intermediates", "repoID", repoID, "sha", sha, "err", err)
	}
	branch := ""
	if commit, cErr := p.Meta.GetCommit(ctx, repoID, sha); cErr == nil {
		branch = commit.Branch
	}
	p.invalidateBranchCaches(ctx, repoID, sha, branch)
	log.Info("merged upload batch", "repoID", repoID, "sha", sha, "count", len(ids))
	return nil
}

// applyCommitDiff adjusts the freshly merged coverage report to the
// commit's diff. Strictly best-effort: a provider failure loses the
// adjustment, never the merge.
func (p *Pipeline) applyCommitDiff(ctx context.Context, repoID int64, sha string, master *report.Report) {
	diff, err := p.Provider.GetDiff(ctx, repoID, sha)
	if err != nil {
		log.Warn("fetching commit diff", "repoID", repoID, "sha", sha, "err", err)
		return
	}
	if diff == nil {
		return
	}
	master.ApplyDiff(diff)
}

// postprocess runs once the commit reached its quiet point: record the
// no-reports failure, then hand off to the notifier.
func (p *Pipeline) postprocess(ctx context.Context, env *Envelope, repoID int64, sha string, rt covpipe.ReportType, flowLog *flow.Log) error {
	master, err := p.loadMasterReport(ctx, repoID, sha, rt, false)
	if err != nil {
		return err
	}
	if master.IsEmpty() {
		flowLog.MustCheckpoint(evNoReportsFound)
		if err := p.Meta.UpdateCommitState(ctx, repoID, sha, covpipe.CommitErrored); err != nil {
			log.Error("marking commit errored", "repoID", repoID, "sha", sha, "err", err)
		}
		// Notify still runs: the gate turns this into a skip or an
		// error-only notification depending on repo settings.
	}
	kwargs := cloneEnvelopeKwargs(env)
	stashFlowLog(kwargs, flowLog)
	return p.Runner.Submit(ctx, Signature{Name: TaskNotify, Queue: queueNotify, Kwargs: kwargs})
}

// finishShadow assembles the parallel experiment's verification artifact
// from the shadow partials and writes it under the parallel/ paths. No
// state transitions, no notifications.
func (p *Pipeline) finishShadow(ctx context.Context, env *Envelope, repoID int64, sha string) (*Outcome, error) {
	rawIDs, _ := env.Kwargs["upload_ids"].([]any)
	ids := make([]int64, 0, len(rawIDs))
	for _, v := range rawIDs {
		ids = append(ids, asInt64(v))
	}
	partials, err := p.shadow.LoadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	master, err := p.loadMasterReport(ctx, repoID, sha, covpipe.CoverageReport, false)
	if err != nil {
		return nil, err
	}
	for i, partial := range partials {
		identity := make(map[int]int, len(partial.Sessions))
		for id := range partial.Sessions {
			identity[id] = id
		}
		if err := master.Merge(partial, identity); err != nil {
			log.Warn("shadow merge conflict", "repoID", repoID, "sha", sha, "uploadID", ids[i], "err", err)
		}
	}
	if err := p.storeMasterReport(ctx, repoID, sha, covpipe.CoverageReport, true, master); err != nil {
		return nil, err
	}
	if err := p.shadow.DeleteMany(ctx, ids); err != nil {
		log.Warn("deleting shadow intermediates", "repoID", repoID, "sha", sha, "err", err)
	}
	return ok(map[string]any{"in_parallel": true, "uploads": len(ids)}), nil
}

// cloneEnvelopeKwargs copies the routing kwargs of env for a follow-up
// task, dropping the chunk payload.
func cloneEnvelopeKwargs(env *Envelope) map[string]any {
	m := make(map[string]any, len(env.Kwargs))
	for k, v := range env.Kwargs {
		if k == "arguments" || k == "previous_results" {
			continue
		}
		m[k] = v
	}
	return m
}
