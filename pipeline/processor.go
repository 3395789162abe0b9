package pipeline

import (
	"context"
	log "log/slog"
	"sort"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/report"
)

const processorBlockingWait = 5 * time.Second

// ProcessorTask handles one chunk of uploads: fetch the raw blob, parse it
// into a partial report, stash the partial under the upload's intermediate
// key and move the upload to processed. Parse and storage failures are
// per-upload; one bad upload never sinks its chunk.
func (p *Pipeline) ProcessorTask(ctx context.Context, env *Envelope) (*Outcome, error) {
	flowLog := resumeFlowLog(env)
	_ = flowLog.Checkpoint(evProcessingBegin, true)
	defer stashFlowLog(env.Kwargs, flowLog)

	repoID, sha, rt, err := commitArgs(env)
	if err != nil {
		return nil, err
	}
	descriptors, err := descriptorsFromKwargs(env)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return ok(map[string]any{"processed": []int64{}}), nil
	}

	if env.BoolKwarg("in_parallel") {
		return p.processShadow(ctx, descriptors)
	}

	state := NewProcessingState(p.Cache, repoID, sha, rt)
	lock, err := p.locks.Acquire(ctx, uploadProcessingLockKey(repoID, sha, rt), defaultLockTTL, processorBlockingWait)
	if err != nil {
		if covpipe.CodeOf(err) != covpipe.LockAcquisitionFailure {
			return nil, err
		}
		if env.Retries >= ProcessorLockRetries {
			// Give up the whole chunk so the Finisher is not wedged
			// waiting on uploads nobody is processing.
			p.abandonChunk(ctx, state, descriptors, "upload processing lock unavailable")
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
	// The follow-up Finisher contends for the processing lock, so the
	// failure path must release before scheduling it.
	bail := func(from int) {
		released = true
		lock.Release(ctx)
		p.releaseUnfinished(ctx, env, state, descriptors[from:])
	}

	cfg := p.commitConfig(ctx, repoID, sha)
	var processed, errored []int64
	for i, d := range descriptors {
		partial, out, err := p.processOne(ctx, env, d)
		if out != nil {
			return out, nil
		}
		if err != nil {
			log.Warn("upload failed processing", "repoID", repoID, "sha", sha, "uploadID", d.UploadID, "err", err)
			p.markUploadErrored(ctx, d.UploadID, err)
			if clrErr := state.ClearInProgress(ctx, []int64{d.UploadID}); clrErr != nil {
				log.Error("clearing in-progress state", "uploadID", d.UploadID, "err", clrErr)
			}
			errored = append(errored, d.UploadID)
			continue
		}
		if err := p.inter.Save(ctx, d.UploadID, partial); err != nil {
			bail(i)
			return nil, err
		}
		if err := state.MarkProcessed(ctx, d.UploadID); err != nil {
			bail(i)
			return nil, err
		}
		p.markUploadState(ctx, d.UploadID, covpipe.UploadProcessed)
		if !cfg.ArchiveUploads() && d.StoragePath != "" {
			if err := p.Blobs.Delete(ctx, d.StoragePath); err != nil {
				log.Warn("deleting raw upload", "uploadID", d.UploadID, "path", d.StoragePath, "err", err)
			}
		}
		processed = append(processed, d.UploadID)
	}
	return ok(map[string]any{"processed": processed, "errored": errored}), nil
}

// releaseUnfinished backs the given uploads out of the processing set and
// schedules a Finisher when this task is about to raise: a raised task
// aborts its chain, so nothing downstream would ever reconcile the state
// left behind.
func (p *Pipeline) releaseUnfinished(ctx context.Context, env *Envelope, state *ProcessingState, descriptors []*UploadDescriptor) {
	ids := make([]int64, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.UploadID
	}
	if err := state.ClearInProgress(ctx, ids); err != nil {
		log.Error("clearing in-progress uploads after failure", "err", err)
	}
	kwargs := cloneEnvelopeKwargs(env)
	if err := p.Runner.Submit(ctx, Signature{Name: TaskUploadFinisher, Queue: queueUploads, Kwargs: kwargs}); err != nil {
		log.Error("scheduling finisher after processing failure", "err", err)
	}
}

// processOne returns the parsed partial, or a task-level Outcome when the
// whole chunk must be rescheduled (the raw-blob grace retry), or an error
// scoped to this upload.
func (p *Pipeline) processOne(ctx context.Context, env *Envelope, d *UploadDescriptor) (*report.Report, *Outcome, error) {
	raw, err := p.Blobs.Fetch(ctx, d.StoragePath)
	if err != nil {
		if covpipe.CodeOf(err) == covpipe.FileNotInStorage && env.Retries < RawFileRetries {
			// The uploader may still be writing; one grace period, then
			// the absence is treated as permanent.
			return nil, retryAfter(FirstRetryDelay), nil
		}
		return nil, nil, err
	}
	partial, err := p.Parser.Parse(ctx, raw, d)
	if err != nil {
		return nil, nil, err
	}
	return stampSessions(partial, d), nil, nil
}

// processShadow is the parallel experiment's processor: no lock and no
// lifecycle side effects, it only parses and stashes partials under the
// shadow namespace with the pre-allocated session ids.
func (p *Pipeline) processShadow(ctx context.Context, descriptors []*UploadDescriptor) (*Outcome, error) {
	var processed []int64
	for _, d := range descriptors {
		raw, err := p.Blobs.Fetch(ctx, d.StoragePath)
		if err != nil {
			log.Warn("shadow run skipping upload", "uploadID", d.UploadID, "err", err)
			continue
		}
		partial, err := p.Parser.Parse(ctx, raw, d)
		if err != nil {
			log.Warn("shadow run skipping unparseable upload", "uploadID", d.UploadID, "err", err)
			continue
		}
		if err := p.shadow.Save(ctx, d.UploadID, stampSessions(partial, d)); err != nil {
			return nil, err
		}
		processed = append(processed, d.UploadID)
	}
	return ok(map[string]any{"processed": processed, "in_parallel": true}), nil
}

// stampSessions rewrites the parsed partial's sessions with the upload's
// identity. When the descriptor carries a pre-allocated session id the
// sessions are re-keyed onto it, so the shadow merge can use the identity
// session map.
func stampSessions(partial *report.Report, d *UploadDescriptor) *report.Report {
	out := report.New()
	ids := make([]int, 0, len(partial.Sessions))
	for id := range partial.Sessions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	if len(ids) == 0 {
		// A report without sessions still gets one so the upload is
		// countable downstream.
		ids = append(ids, 0)
		partial.Sessions[0] = report.Session{}
	}
	for i, id := range ids {
		s := partial.Sessions[id]
		s.UploadID = d.UploadID
		if s.Name == "" {
			s.Name = d.ReportCode
		}
		if len(s.Flags) == 0 {
			s.Flags = d.Flags
		}
		if d.HasSessionID() {
			s.ID = d.SessionID + i
		} else {
			s.ID = id
		}
		// Ids were made collision-free above.
		_ = out.AddSession(s)
	}
	for file, fc := range partial.Files {
		for line, hits := range fc.Lines {
			out.AddFileLine(file, line, hits)
		}
	}
	return out
}

// abandonChunk marks every upload of the chunk errored and clears its
// in-flight state.
func (p *Pipeline) abandonChunk(ctx context.Context, state *ProcessingState, descriptors []*UploadDescriptor, reason string) {
	ids := make([]int64, len(descriptors))
	for i, d := range descriptors {
		ids[i] = d.UploadID
		p.markUploadErrored(ctx, d.UploadID, covpipe.Error{Code: covpipe.MaxRetriesExceeded, UserData: reason})
	}
	if err := state.ClearInProgress(ctx, ids); err != nil {
		log.Error("clearing abandoned chunk", "err", err)
	}
}

func (p *Pipeline) markUploadErrored(ctx context.Context, uploadID int64, cause error) {
	u, err := p.Meta.GetUpload(ctx, uploadID)
	if err != nil {
		log.Error("fetching upload for error record", "uploadID", uploadID, "err", err)
		return
	}
	u.State = covpipe.UploadErrored
	u.Error = cause.Error()
	if err := retryMeta(ctx, func(ctx context.Context) error { return p.Meta.UpdateUpload(ctx, u) }); err != nil {
		log.Error("recording upload error", "uploadID", uploadID, "err", err)
	}
}

func (p *Pipeline) markUploadState(ctx context.Context, uploadID int64, s covpipe.UploadState) {
	u, err := p.Meta.GetUpload(ctx, uploadID)
	if err != nil {
		log.Error("fetching upload for state change", "uploadID", uploadID, "err", err)
		return
	}
	u.State = s
	if err := retryMeta(ctx, func(ctx context.Context) error { return p.Meta.UpdateUpload(ctx, u) }); err != nil {
		log.Error("updating upload state", "uploadID", uploadID, "state", s, "err", err)
	}
}
