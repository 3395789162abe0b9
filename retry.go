package covpipe

import (
	"context"
	"errors"
	log "log/slog"
	"net"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes task with Fibonacci backoff up to 5 retries.
// If retries are exhausted, gaveUpTask is invoked (when not nil) and the
// final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether the error is transient (non-nil and not a
// known permanent failure class).
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	// Context cancellations/timeouts are permanent from the caller's POV.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	switch CodeOf(err) {
	case TransientStorage, RateLimited:
		return true
	case LockAcquisitionFailure, FileNotInStorage, NotReadyToBuildReport,
		RepositoryWithoutValidBot, MaxRetriesExceeded:
		// These carry their own retry schedules or are terminal; the
		// generic retry helper must not loop on them.
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// DB drivers surface deadlocks and dropped connections as plain text.
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"deadlock", "connection reset", "connection refused", "broken pipe", "timed out"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
