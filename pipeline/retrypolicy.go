package pipeline

import (
	"context"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/covpipe/covpipe"
)

// Retry schedules and bounds per situation. Retries cross task hops, so
// they are values interpreted by the task runner rather than in-process
// loops.

const (
	// DispatcherLockRetries bounds lock-unavailable retries when the
	// argument queue is non-empty.
	DispatcherLockRetries = 3
	// ProcessorLockRetries bounds upload-processing lock retries.
	ProcessorLockRetries = 5
	// RawFileRetries: uploads may race the object-store write; one grace
	// retry, then the absence is permanent.
	RawFileRetries = 1
	// FirstRetryDelay is the raw-file grace delay.
	FirstRetryDelay = 20 * time.Second
	// ReportNotReadyDelay is the fixed delay while the master report
	// cannot be initialised yet.
	ReportNotReadyDelay = 60 * time.Second
	// DispatcherBusyDelay applies when another Dispatcher currently runs
	// the same commit.
	DispatcherBusyDelay = 60 * time.Second
	// NotifyWebhookRetries / NotifyPollRetries bound the wait-for-CI
	// schedules; the webhook schedule is long because a webhook is
	// expected to wake the pipeline anyway.
	NotifyWebhookRetries = 5
	NotifyPollRetries    = 10
	// DBTransientRetries bounds in-task retries of deadlocked or dropped
	// DB operations.
	DBTransientRetries = 3

	processorLockBackoffCap = 5 * time.Hour
)

// DispatcherLockBackoff is 20·2^n seconds for the nth retry.
func DispatcherLockBackoff(retries int) time.Duration {
	return 20 * (1 << retries) * time.Second
}

// DebounceDelay returns how long to defer while uploads are still arriving:
// at least 30s, at most the remaining debounce window.
func DebounceDelay(window, age time.Duration) time.Duration {
	d := window - age
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// ProcessorLockBackoff is min(rand(M/2, M), 5h) with M = 200·3^n seconds.
// The jitter spreads the chunk tasks of one commit, which all contend for
// the same lock.
func ProcessorLockBackoff(retries int) time.Duration {
	m := 200 * time.Second
	for i := 0; i < retries; i++ {
		m *= 3
	}
	d := m/2 + time.Duration(rand.Int63n(int64(m/2)+1))
	if d > processorLockBackoffCap {
		return processorLockBackoffCap
	}
	return d
}

// NotifyWebhookBackoff is 180·2^n seconds.
func NotifyWebhookBackoff(retries int) time.Duration {
	return 180 * (1 << retries) * time.Second
}

// NotifyPollBackoff is 15·2^n seconds.
func NotifyPollBackoff(retries int) time.Duration {
	return 15 * (1 << retries) * time.Second
}

// retryMeta retries a row-store operation in-task when it failed on a
// deadlock or dropped connection. Permanent errors return immediately.
func retryMeta(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.NewFibonacci(1 * time.Second)
	return retry.Do(ctx, retry.WithMaxRetries(DBTransientRetries, b), func(ctx context.Context) error {
		err := op(ctx)
		if covpipe.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// RateLimitDelay defers to the top of the hour, at least a minute out.
func RateLimitDelay(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	d := next.Sub(now)
	if d < time.Minute {
		return time.Minute
	}
	return d
}

// RetryRequest asks the task runner to re-enqueue the task after Countdown.
// The runner increments the envelope's retry counter; tasks bound their own
// budgets by inspecting it before requesting another retry.
type RetryRequest struct {
	Countdown time.Duration
}

// Outcome is a task's explicit result: either a terminal Result or a
// RetryRequest. Modelling retries as values (not control-flow errors)
// keeps every exit path visible.
type Outcome struct {
	Result map[string]any
	Retry  *RetryRequest
}

func ok(fields map[string]any) *Outcome {
	if fields == nil {
		fields = map[string]any{}
	}
	if _, set := fields["successful"]; !set {
		fields["successful"] = true
	}
	return &Outcome{Result: fields}
}

func failed(fields map[string]any) *Outcome {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["successful"] = false
	return &Outcome{Result: fields}
}

func retryAfter(d time.Duration) *Outcome {
	return &Outcome{Retry: &RetryRequest{Countdown: d}}
}
