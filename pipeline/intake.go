package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/covpipe/covpipe"
)

// EnqueueUpload queues a descriptor for the commit and schedules an Upload
// task to drain it. Callers that batch several descriptors get one Upload
// task per call; the per-commit lock collapses the duplicates into a single
// dispatch.
func (p *Pipeline) EnqueueUpload(ctx context.Context, repoID int64, sha string, t covpipe.ReportType, d UploadDescriptor) error {
	blob, err := json.Marshal(&d)
	if err != nil {
		return fmt.Errorf("encoding upload descriptor: %w", err)
	}
	if err := p.queue.Enqueue(ctx, repoID, sha, t, blob); err != nil {
		return err
	}
	return p.Runner.Submit(ctx, Signature{
		Name:  TaskUpload,
		Queue: queueUploads,
		Kwargs: map[string]any{
			"repoid":      repoID,
			"commitid":    sha,
			"report_type": string(t),
		},
	})
}

// CommitStatus is a point-in-time snapshot of a commit's pipeline progress.
type CommitStatus struct {
	Commit       *covpipe.Commit             `json:"commit"`
	Pending      int64                       `json:"pending"`
	Processing   int64                       `json:"processing"`
	Processed    int64                       `json:"processed"`
	UploadCounts map[covpipe.UploadState]int `json:"uploadCounts"`
	LatestUpload *time.Time                  `json:"latestUpload,omitempty"`
}

// Status reports where a commit currently sits in the pipeline. Pending
// counts descriptors still waiting for a Dispatcher; Processing and
// Processed mirror the per-commit coordination sets.
func (p *Pipeline) Status(ctx context.Context, repoID int64, sha string, t covpipe.ReportType) (*CommitStatus, error) {
	commit, err := p.Meta.GetCommit(ctx, repoID, sha)
	if err != nil {
		return nil, err
	}
	pending, err := p.Cache.LLen(ctx, argumentQueueKey(repoID, sha, t))
	if err != nil {
		return nil, err
	}
	counts, err := NewProcessingState(p.Cache, repoID, sha, t).Counts(ctx)
	if err != nil {
		return nil, err
	}
	uploads, err := p.Meta.CountUploads(ctx, repoID, sha, t)
	if err != nil {
		return nil, err
	}
	st := &CommitStatus{
		Commit:       commit,
		Pending:      pending,
		Processing:   counts.Processing,
		Processed:    counts.Processed,
		UploadCounts: uploads,
	}
	now := p.Now()
	if age, found, err := p.queue.LatestUploadAge(ctx, repoID, sha, t, now); err == nil && found {
		latest := now.Add(-age)
		st.LatestUpload = &latest
	}
	return st, nil
}

// QueueDepths returns the number of waiting envelopes per broker queue.
func (p *Pipeline) QueueDepths(ctx context.Context, queues []string) (map[string]int64, error) {
	depths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, err := p.Cache.LLen(ctx, queueKey(q))
		if err != nil {
			return nil, err
		}
		depths[q] = n
	}
	return depths, nil
}
