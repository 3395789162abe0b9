package pipeline

import (
	"context"
	"strconv"

	"github.com/covpipe/covpipe"
)

// MergeBatchSize bounds how many partial reports a single merge holds in
// memory.
const MergeBatchSize = 5

// StateCounts is a snapshot of a commit's in-flight and processed-but-
// unmerged upload counts.
type StateCounts struct {
	Processing int64
	Processed  int64
}

// ShouldMerge reports whether a Finisher may merge now: either nothing is
// in flight, or enough processed uploads accumulated to fill a batch.
func (c StateCounts) ShouldMerge() bool {
	return c.Processing == 0 || c.Processed >= MergeBatchSize
}

// ShouldPostprocess reports whether the commit reached a quiet point:
// nothing in flight and nothing left to merge.
func (c StateCounts) ShouldPostprocess() bool {
	return c.Processing == 0 && c.Processed == 0
}

// ProcessingState tracks each upload id of a commit through exactly one of
// {processing, processed, merged-and-removed, absent}. All mutations are
// single atomic KV operations, so no lock is required.
type ProcessingState struct {
	cache  covpipe.Cache
	repoID int64
	sha    string
	rt     covpipe.ReportType
}

func NewProcessingState(cache covpipe.Cache, repoID int64, sha string, rt covpipe.ReportType) *ProcessingState {
	return &ProcessingState{cache: cache, repoID: repoID, sha: sha, rt: rt}
}

func uploadIDStrings(ids []int64) []string {
	r := make([]string, len(ids))
	for i, id := range ids {
		r[i] = strconv.FormatInt(id, 10)
	}
	return r
}

// MarkProcessing adds ids to the processing set. Idempotent; harmless on
// task retry.
func (s *ProcessingState) MarkProcessing(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.cache.SAdd(ctx, processingSetKey(s.repoID, s.sha, s.rt), uploadIDStrings(ids)...)
}

// ClearInProgress removes ids from the processing set. Idempotent, and
// safe for ids that were never added: tasks started before a deploy call
// this for uploads the old code never tracked.
func (s *ProcessingState) ClearInProgress(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.cache.SRem(ctx, processingSetKey(s.repoID, s.sha, s.rt), uploadIDStrings(ids)...)
}

// MarkProcessed atomically moves id from processing to processed. When the
// id is not in processing (task predates the tracking code), it is added
// to processed directly.
func (s *ProcessingState) MarkProcessed(ctx context.Context, id int64) error {
	member := strconv.FormatInt(id, 10)
	moved, err := s.cache.SMove(ctx, processingSetKey(s.repoID, s.sha, s.rt), processedSetKey(s.repoID, s.sha, s.rt), member)
	if err != nil {
		return err
	}
	if !moved {
		return s.cache.SAdd(ctx, processedSetKey(s.repoID, s.sha, s.rt), member)
	}
	return nil
}

// MarkMerged removes ids from the processed set. Remove-if-present, so a
// duplicate Finisher invocation is a no-op.
func (s *ProcessingState) MarkMerged(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.cache.SRem(ctx, processedSetKey(s.repoID, s.sha, s.rt), uploadIDStrings(ids)...)
}

// TakeForMerge samples up to max processed upload ids (non-deterministic
// order is acceptable; the merge operator is commutative). max is capped
// at MergeBatchSize.
func (s *ProcessingState) TakeForMerge(ctx context.Context, max int) ([]int64, error) {
	if max <= 0 || max > MergeBatchSize {
		max = MergeBatchSize
	}
	members, err := s.cache.SRandMemberN(ctx, processedSetKey(s.repoID, s.sha, s.rt), int64(max))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Counts returns the current snapshot.
func (s *ProcessingState) Counts(ctx context.Context) (StateCounts, error) {
	processing, err := s.cache.SCard(ctx, processingSetKey(s.repoID, s.sha, s.rt))
	if err != nil {
		return StateCounts{}, err
	}
	processed, err := s.cache.SCard(ctx, processedSetKey(s.repoID, s.sha, s.rt))
	if err != nil {
		return StateCounts{}, err
	}
	return StateCounts{Processing: processing, Processed: processed}, nil
}
