package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/covpipe/covpipe"
)

// ArgumentQueue is the per-commit list of pending upload descriptors in the
// KV store. The ingest tier appends; the Dispatcher drains. Delivery is
// at-least-once: a crash between pop and processing loses at most the
// popped element, which the pipeline tolerates by reconstructing from
// Upload rows.
type ArgumentQueue struct {
	cache covpipe.Cache
}

func NewArgumentQueue(cache covpipe.Cache) *ArgumentQueue {
	return &ArgumentQueue{cache: cache}
}

// Enqueue appends one descriptor and stamps the debounce timestamp.
func (q *ArgumentQueue) Enqueue(ctx context.Context, repoID int64, sha string, t covpipe.ReportType, descriptor []byte) error {
	if err := q.cache.RPush(ctx, argumentQueueKey(repoID, sha, t), descriptor); err != nil {
		return err
	}
	ts := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	return q.cache.Set(ctx, latestUploadKey(repoID, sha, t), ts, 24*time.Hour)
}

// Drain pops descriptors one element at a time until the queue is empty,
// invoking fn for each. Single-element pops keep concurrent producers safe:
// anything appended mid-drain is either seen now or picked up by the next
// Dispatcher.
func (q *ArgumentQueue) Drain(ctx context.Context, repoID int64, sha string, t covpipe.ReportType, fn func(descriptor []byte) error) error {
	key := argumentQueueKey(repoID, sha, t)
	for {
		found, ba, err := q.cache.LPop(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if err := fn(ba); err != nil {
			return err
		}
	}
}

// HasPending reports whether any descriptors are queued.
func (q *ArgumentQueue) HasPending(ctx context.Context, repoID int64, sha string, t covpipe.ReportType) (bool, error) {
	n, err := q.cache.LLen(ctx, argumentQueueKey(repoID, sha, t))
	return n > 0, err
}

// LatestUploadAge returns how long ago the newest upload was enqueued, or
// false when no timestamp is recorded.
func (q *ArgumentQueue) LatestUploadAge(ctx context.Context, repoID int64, sha string, t covpipe.ReportType, now time.Time) (time.Duration, bool, error) {
	found, v, err := q.cache.Get(ctx, latestUploadKey(repoID, sha, t))
	if err != nil || !found {
		return 0, false, err
	}
	ts, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed latest-upload timestamp %q: %w", v, err)
	}
	age := now.Sub(time.Unix(0, int64(ts*1e9)))
	return age, true, nil
}
