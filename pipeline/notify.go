package pipeline

import (
	"context"
	log "log/slog"
	"time"

	"github.com/covpipe/covpipe"
)

const notifyBlockingWait = 5 * time.Second

// NotifyTask runs the notification gate and, when it passes, delivers the
// commit's notifications exactly once per pipeline completion (enforced by
// the notify lock).
func (p *Pipeline) NotifyTask(ctx context.Context, env *Envelope) (*Outcome, error) {
	flowLog := resumeFlowLog(env)
	defer stashFlowLog(env.Kwargs, flowLog)

	repoID, sha, rt, err := commitArgs(env)
	if err != nil {
		return nil, err
	}

	lock, lockErr := p.locks.Acquire(ctx, notifyLockKey(repoID, sha, rt), defaultLockTTL, notifyBlockingWait)
	if lockErr != nil {
		if covpipe.CodeOf(lockErr) != covpipe.LockAcquisitionFailure {
			flowLog.MustCheckpoint(evNotifLockError)
			return failed(map[string]any{"reason": "notify lock error"}), lockErr
		}
		if env.Retries >= NotifyPollRetries {
			flowLog.MustCheckpoint(evNotifTooManyRetries)
			return failed(map[string]any{"reason": "could not acquire notify lock"}), nil
		}
		return retryAfter(NotifyPollBackoff(env.Retries)), nil
	}
	defer lock.Release(ctx)

	commit, err := p.Meta.GetCommit(ctx, repoID, sha)
	if err != nil {
		return nil, err
	}
	in, err := p.gateInput(ctx, env, commit, rt)
	if err != nil {
		return nil, err
	}
	decision := EvaluateGate(in)
	log.Info("notification gate decided", "repoID", repoID, "sha", sha, "action", decision.Action, "reason", decision.Reason)

	switch decision.Action {
	case GateWait:
		if env.Retries >= decision.MaxRetries {
			flowLog.MustCheckpoint(evNotifTooManyRetries)
			return failed(map[string]any{"reason": decision.Reason}), nil
		}
		return retryAfter(decision.Countdown(env.Retries)), nil

	case GateSkip:
		flowLog.MustCheckpoint(evSkippingNotification)
		if decision.MarkSkipped {
			if err := p.Meta.UpdateCommitState(ctx, repoID, sha, covpipe.CommitSkipped); err != nil {
				log.Error("marking commit skipped", "repoID", repoID, "sha", sha, "err", err)
			}
		}
		return ok(map[string]any{"notified": false, "reason": decision.Reason}), nil

	case GateNotifyError:
		failedCount := in.UploadCounts[covpipe.UploadErrored]
		total := 0
		for _, n := range in.UploadCounts {
			total += n
		}
		result, err := p.Notifier.Notify(ctx, NotifyRequest{
			Commit:      commit,
			ReportType:  rt,
			ErrorOnly:   true,
			FailedCount: failedCount,
			TotalCount:  total,
		})
		if err != nil {
			return nil, err
		}
		flowLog.MustCheckpoint(evNotified)
		return ok(map[string]any{"notified": result.NotificationsCalled, "error_only": true}), nil

	default:
		result, err := p.Notifier.Notify(ctx, NotifyRequest{
			Commit:       commit,
			ReportType:   rt,
			SessionCount: in.SessionCount,
		})
		if err != nil {
			return nil, err
		}
		flowLog.MustCheckpoint(evNotified)
		if err := p.Meta.UpdateCommitState(ctx, repoID, sha, covpipe.CommitComplete); err != nil {
			log.Error("marking commit complete", "repoID", repoID, "sha", sha, "err", err)
		}
		return ok(map[string]any{"notified": result.NotificationsCalled}), nil
	}
}

// gateInput assembles the gate's view of the world. Provider calls degrade
// to "unknown" rather than failing the task.
func (p *Pipeline) gateInput(ctx context.Context, env *Envelope, commit *covpipe.Commit, rt covpipe.ReportType) (GateInput, error) {
	in := GateInput{
		Commit:      commit,
		Config:      p.commitConfig(ctx, commit.RepoID, commit.SHA),
		ReportType:  rt,
		LocalUpload: env.BoolKwarg("local_upload"),
		CIStatus:    CIUnknown,
	}

	counts, err := p.Meta.CountUploads(ctx, commit.RepoID, commit.SHA, rt)
	if err != nil {
		return in, err
	}
	in.UploadCounts = counts

	if rt == covpipe.BundleAnalysisReport {
		// Bundle analysis has no merge step, so no master report exists;
		// every processed upload stands for one session.
		in.SessionCount = counts[covpipe.UploadProcessed] + counts[covpipe.UploadMerged]
	} else {
		master, err := p.loadMasterReport(ctx, commit.RepoID, commit.SHA, rt, false)
		if err != nil {
			return in, err
		}
		in.SessionCount = master.SessionCount()
	}

	busy, err := p.otherPipelinesBusy(ctx, commit.RepoID, commit.SHA, rt)
	if err != nil {
		return in, err
	}
	in.OtherPipelinesBusy = busy

	found, _, err := p.Cache.Get(ctx, manualTriggerLockKey(commit.RepoID, commit.SHA))
	if err != nil {
		return in, err
	}
	in.ManualTriggerSeen = found

	if status, err := p.Provider.GetCIStatus(ctx, commit.RepoID, commit.SHA); err == nil {
		in.CIStatus = status
	} else {
		log.Warn("fetching CI status", "repoID", commit.RepoID, "sha", commit.SHA, "err", err)
	}
	if has, err := p.Provider.HasWebhook(ctx, commit.RepoID); err == nil {
		in.HasWebhook = has
	}
	return in, nil
}

// otherPipelinesBusy checks the processing locks of every other report
// type of the commit.
func (p *Pipeline) otherPipelinesBusy(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType) (bool, error) {
	var names []string
	for _, other := range []covpipe.ReportType{covpipe.CoverageReport, covpipe.BundleAnalysisReport, covpipe.TestResultsReport} {
		if other == rt {
			continue
		}
		names = append(names, uploadProcessingLockKey(repoID, sha, other))
	}
	return p.locks.IsHeldByOthers(ctx, names...)
}
