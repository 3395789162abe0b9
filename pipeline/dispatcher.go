package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"time"

	"github.com/covpipe/covpipe"
)

// ChunkSize caps how many uploads one Processor invocation handles.
const ChunkSize = 3

const dispatcherBlockingWait = 5 * time.Second

// UploadTask is the Dispatcher: it debounces, serialises per commit via
// the upload lock, drains the argument queue, persists Upload rows, marks
// them processing and fans out Processor chains ending in a Finisher.
func (p *Pipeline) UploadTask(ctx context.Context, env *Envelope) (*Outcome, error) {
	flowLog := resumeFlowLog(env)
	_ = flowLog.Checkpoint(evUploadTaskBegin, true)
	defer stashFlowLog(env.Kwargs, flowLog)

	repoID, sha, rt, err := commitArgs(env)
	if err != nil {
		return nil, err
	}
	logctx := log.With("repoID", repoID, "sha", sha, "reportType", rt)

	// Debounce: while uploads are still arriving, let the queue fill so
	// one Dispatcher drains a full burst.
	if window := time.Duration(p.SiteConfig.UploadProcessingDelaySeconds()) * time.Second; window > 0 {
		age, found, err := p.queue.LatestUploadAge(ctx, repoID, sha, rt, p.Now())
		if err != nil {
			return nil, err
		}
		if found && age < window {
			logctx.Debug("debouncing dispatch", "age", age, "window", window)
			return retryAfter(DebounceDelay(window, age)), nil
		}
	}

	// A Processor or Finisher mid-flight means a Dispatcher already ran
	// this commit; one deferral lets that pipeline settle before this
	// batch commits to a task graph.
	if env.Retries == 0 {
		busy, err := p.locks.IsHeldByOthers(ctx, uploadProcessingLockKey(repoID, sha, rt))
		if err != nil {
			return nil, err
		}
		if busy {
			logctx.Debug("deferring dispatch while commit is mid-flight")
			return retryAfter(DispatcherBusyDelay), nil
		}
	}

	lock, err := p.locks.Acquire(ctx, uploadLockKey(repoID, sha, rt), defaultLockTTL, dispatcherBlockingWait)
	if err != nil {
		if covpipe.CodeOf(err) != covpipe.LockAcquisitionFailure {
			return nil, err
		}
		pending, qErr := p.queue.HasPending(ctx, repoID, sha, rt)
		if qErr != nil {
			return nil, qErr
		}
		if !pending {
			// The lock holder will drain whatever we would have.
			flowLog.MustCheckpoint(evNoPendingJobs)
			return ok(map[string]any{"was_setup": false, "reason": "nothing to dispatch"}), nil
		}
		if env.Retries >= DispatcherLockRetries {
			flowLog.MustCheckpoint(evTooManyRetries)
			return failed(map[string]any{"reason": "could not acquire upload lock"}), nil
		}
		return retryAfter(DispatcherLockBackoff(env.Retries)), nil
	}
	defer lock.Release(ctx)

	commit, err := p.Meta.GetCommit(ctx, repoID, sha)
	if err != nil {
		return nil, fmt.Errorf("fetching commit %d/%s: %w", repoID, sha, err)
	}
	p.refreshCommitInfo(ctx, commit)

	if out := p.ensureWebhook(ctx, repoID); out != nil {
		return out, nil
	}

	if err := p.ensureMasterReport(ctx, repoID, sha, rt); err != nil {
		if covpipe.CodeOf(err) == covpipe.NotReadyToBuildReport {
			logctx.Info("master report not ready, deferring dispatch", "err", err)
			return retryAfter(ReportNotReadyDelay), nil
		}
		return nil, err
	}

	descriptors, err := p.drainDescriptors(ctx, repoID, sha, rt)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		// The queue was drained by someone else (or held only undecodable
		// entries): initial processing is over and produced nothing.
		flowLog.MustCheckpoint(evInitialProcessingComplete)
		flowLog.MustCheckpoint(evNoReportsFound)
		return ok(map[string]any{"was_setup": true, "reason": "empty argument queue"}), nil
	}

	state := NewProcessingState(p.Cache, repoID, sha, rt)
	ids := make([]int64, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.UploadID
	}
	if err := state.MarkProcessing(ctx, ids); err != nil {
		return nil, err
	}

	if err := p.fanOut(ctx, env, commit, rt, descriptors, flowLog.Events); err != nil {
		return nil, err
	}
	flowLog.MustCheckpoint(evInitialProcessingComplete)
	logctx.Info("dispatched uploads", "count", len(descriptors))
	return ok(map[string]any{"was_setup": true, "uploads": len(ids)}), nil
}

// refreshCommitInfo backfills branch and message from the provider. All
// failures degrade: a missing bot is recorded, anything else is logged.
func (p *Pipeline) refreshCommitInfo(ctx context.Context, commit *covpipe.Commit) {
	if commit.Branch != "" && commit.Message != "" {
		return
	}
	info, err := p.Provider.GetCommitInfo(ctx, commit.RepoID, commit.SHA)
	if err != nil {
		if covpipe.CodeOf(err) == covpipe.RepositoryWithoutValidBot {
			if saveErr := p.Meta.SaveCommitError(ctx, covpipe.CommitError{
				RepoID: commit.RepoID,
				SHA:    commit.SHA,
				Kind:   covpipe.CommitErrorMissingBot,
				Detail: err.Error(),
			}); saveErr != nil {
				log.Error("recording missing-bot error", "repoID", commit.RepoID, "err", saveErr)
			}
			return
		}
		log.Warn("refreshing commit info", "repoID", commit.RepoID, "sha", commit.SHA, "err", err)
		return
	}
	if commit.Branch == "" {
		commit.Branch = info.Branch
	}
	if commit.Message == "" {
		commit.Message = info.Message
	}
}

// ensureWebhook installs the status webhook when missing. A rate-limited
// provider defers the whole dispatch to the reset window; the queued
// descriptors keep.
func (p *Pipeline) ensureWebhook(ctx context.Context, repoID int64) *Outcome {
	has, err := p.Provider.HasWebhook(ctx, repoID)
	if err != nil || has {
		return nil
	}
	if err := p.Provider.InstallWebhook(ctx, repoID); err != nil {
		if covpipe.CodeOf(err) == covpipe.RateLimited {
			return retryAfter(RateLimitDelay(p.Now()))
		}
		log.Warn("installing webhook", "repoID", repoID, "err", err)
	}
	return nil
}

// drainDescriptors empties the argument queue, relocating inline KV blobs
// to the object store, persisting Upload rows and stripping credentials.
func (p *Pipeline) drainDescriptors(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType) ([]*UploadDescriptor, error) {
	var descriptors []*UploadDescriptor
	err := p.queue.Drain(ctx, repoID, sha, rt, func(raw []byte) error {
		var d UploadDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			log.Error("dropping undecodable upload descriptor", "repoID", repoID, "sha", sha, "err", err)
			return nil
		}
		if err := p.normalizeDescriptor(ctx, repoID, sha, rt, &d); err != nil {
			return err
		}
		descriptors = append(descriptors, &d)
		return nil
	})
	return descriptors, err
}

func (p *Pipeline) normalizeDescriptor(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType, d *UploadDescriptor) error {
	if d.RedisKey != "" {
		if err := p.relocateInlineBlob(ctx, repoID, sha, d); err != nil {
			return err
		}
	}
	d.Token = ""
	if d.UploadID == 0 {
		u := &covpipe.Upload{
			RepoID:      repoID,
			CommitSHA:   sha,
			StoragePath: d.StoragePath,
			ReportCode:  d.ReportCode,
			ReportType:  rt,
			State:       covpipe.UploadProcessing,
			Flags:       d.Flags,
			CreatedAt:   p.Now(),
		}
		if d.UploadPK != 0 {
			u.ID = d.UploadPK
		}
		var id int64
		err := retryMeta(ctx, func(ctx context.Context) error {
			var createErr error
			id, createErr = p.Meta.CreateUpload(ctx, u)
			return createErr
		})
		if err != nil {
			return fmt.Errorf("persisting upload for %d/%s: %w", repoID, sha, err)
		}
		d.UploadID = id
	}
	return nil
}

// relocateInlineBlob moves a short-lived KV upload body to the object
// store so Processors only ever read one storage tier.
func (p *Pipeline) relocateInlineBlob(ctx context.Context, repoID int64, sha string, d *UploadDescriptor) error {
	found, body, err := p.Cache.Get(ctx, d.RedisKey)
	if err != nil {
		return err
	}
	if !found {
		return covpipe.Error{Code: covpipe.FileNotInStorage, Err: fmt.Errorf("inline upload body %s expired", d.RedisKey), UserData: d.RedisKey}
	}
	path := rawUploadPath(p.Now().Format("2006-01-02"), fmt.Sprintf("%d", repoID), sha, covpipe.NewUUID())
	if err := p.Blobs.Upload(ctx, path, []byte(body)); err != nil {
		return err
	}
	if _, err := p.Cache.Delete(ctx, []string{d.RedisKey}); err != nil {
		log.Warn("deleting relocated inline blob", "key", d.RedisKey, "err", err)
	}
	d.RedisKey = ""
	d.StoragePath = path
	return nil
}

// fanOut schedules the processing topology for the drained batch.
func (p *Pipeline) fanOut(ctx context.Context, env *Envelope, commit *covpipe.Commit, rt covpipe.ReportType, descriptors []*UploadDescriptor, checkpoints map[string]int64) error {
	base := map[string]any{
		"repoid":                     commit.RepoID,
		"commitid":                   commit.SHA,
		"report_type":                string(rt),
		UploadFlow.EnvelopeField():   checkpoints,
	}
	if plan := env.StringKwarg("plan"); plan != "" {
		base["plan"] = plan
	}
	// A report code marks a local (CLI dry-run) upload; the notification
	// gate skips those.
	for _, d := range descriptors {
		if d.ReportCode != "" {
			base["local_upload"] = true
			break
		}
	}

	switch rt {
	case covpipe.BundleAnalysisReport:
		// Bundle analysis has no merge step: one Processor over the whole
		// batch, then straight to Notify.
		return p.Runner.SubmitChain(ctx, []Signature{
			processorSignature(base, descriptors, false),
			{Name: TaskNotify, Queue: queueNotify, Kwargs: cloneKwargs(base)},
		})
	case covpipe.TestResultsReport:
		// Test results fan out as a chord: chunks run concurrently and the
		// Finisher fires once after the last one.
		members := make([]Signature, 0, (len(descriptors)+ChunkSize-1)/ChunkSize)
		for _, chunk := range chunkDescriptors(descriptors) {
			members = append(members, processorSignature(base, chunk, false))
		}
		return p.Runner.SubmitChord(ctx, members, Signature{Name: TaskUploadFinisher, Queue: queueUploads, Kwargs: cloneKwargs(base)})
	}

	// Coverage: a serial chain of chunk Processors ending in the Finisher.
	// Serial order keeps the processing lock mostly uncontended.
	sigs := make([]Signature, 0, (len(descriptors)+ChunkSize-1)/ChunkSize+1)
	for _, chunk := range chunkDescriptors(descriptors) {
		sigs = append(sigs, processorSignature(base, chunk, false))
	}
	sigs = append(sigs, Signature{Name: TaskUploadFinisher, Queue: queueUploads, Kwargs: cloneKwargs(base)})
	if err := p.Runner.SubmitChain(ctx, sigs); err != nil {
		return err
	}

	if p.Flags.parallelEnabled(commit.RepoID) {
		if err := p.fanOutShadow(ctx, base, commit, descriptors); err != nil {
			// The shadow run is an experiment; its scheduling failures
			// never fail the dispatch.
			log.Warn("scheduling shadow parallel run", "repoID", commit.RepoID, "sha", commit.SHA, "err", err)
		}
	}
	return nil
}

// fanOutShadow schedules the parallel-processing experiment: every chunk
// runs concurrently with pre-allocated session ids, and a shadow Finisher
// assembles the result under parallel/ paths. It observes, never notifies.
func (p *Pipeline) fanOutShadow(ctx context.Context, base map[string]any, commit *covpipe.Commit, descriptors []*UploadDescriptor) error {
	sessionIDs, err := p.allocateSessionIDs(ctx, commit.RepoID, commit.SHA, len(descriptors))
	if err != nil {
		return err
	}
	shadowed := make([]*UploadDescriptor, len(descriptors))
	for i, d := range descriptors {
		cp := *d
		cp.SetSessionID(sessionIDs[i])
		shadowed[i] = &cp
	}
	members := make([]Signature, 0, (len(shadowed)+ChunkSize-1)/ChunkSize)
	for _, chunk := range chunkDescriptors(shadowed) {
		sig := processorSignature(base, chunk, true)
		members = append(members, sig)
	}
	body := Signature{Name: TaskUploadFinisher, Queue: queueUploads, Kwargs: cloneKwargs(base)}
	body.Kwargs["in_parallel"] = true
	ids := make([]int64, len(shadowed))
	for i, d := range shadowed {
		ids[i] = d.UploadID
	}
	body.Kwargs["upload_ids"] = ids
	return p.Runner.SubmitChord(ctx, members, body)
}

func processorSignature(base map[string]any, chunk []*UploadDescriptor, shadow bool) Signature {
	kwargs := cloneKwargs(base)
	kwargs["arguments"] = chunk
	if shadow {
		kwargs["in_parallel"] = true
	}
	return Signature{Name: TaskUploadProcessor, Queue: queueUploads, Kwargs: kwargs}
}

func chunkDescriptors(ds []*UploadDescriptor) [][]*UploadDescriptor {
	var chunks [][]*UploadDescriptor
	for len(ds) > 0 {
		n := ChunkSize
		if len(ds) < n {
			n = len(ds)
		}
		chunks = append(chunks, ds[:n])
		ds = ds[n:]
	}
	return chunks
}

func cloneKwargs(base map[string]any) map[string]any {
	m := make(map[string]any, len(base)+2)
	for k, v := range base {
		m[k] = v
	}
	return m
}
