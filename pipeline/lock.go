package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/covpipe/covpipe"
)

// Lock durations.
const (
	// defaultLockTTL bounds how long a crashed holder can block a commit.
	defaultLockTTL = 300 * time.Second
	// lockPollInterval is the spin delay while waiting for a contended lock.
	lockPollInterval = 100 * time.Millisecond
)

// LockManager provides per-commit advisory locks over the KV store, with a
// bounded blocking wait. One manager is shared by all tasks of a worker.
type LockManager struct {
	cache covpipe.Cache
	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewLockManager returns a manager over the given cache.
func NewLockManager(cache covpipe.Cache) *LockManager {
	return &LockManager{cache: cache, now: time.Now, sleep: time.Sleep}
}

// Lock is a held lock handle. Release it before the TTL elapses.
type Lock struct {
	keys []*covpipe.LockKey
	mgr  *LockManager
}

// Acquire takes the named lock, polling up to blockingWait under
// contention. Failure yields covpipe.Error{Code: LockAcquisitionFailure};
// the caller's retry schedule decides what happens next. Callers must not
// hold two locks of the same name within one task.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration, blockingWait time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	keys := m.cache.CreateLockKeys([]string{name})
	deadline := m.now().Add(blockingWait)
	for {
		ok, owner, err := m.cache.Lock(ctx, ttl, keys)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{keys: keys, mgr: m}, nil
		}
		if m.now().After(deadline) {
			return nil, covpipe.Error{
				Code:     covpipe.LockAcquisitionFailure,
				Err:      fmt.Errorf("lock %s held by %s", name, owner.String()),
				UserData: name,
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		m.sleep(lockPollInterval)
	}
}

// Release frees the lock. Releasing an expired lock is a no-op.
func (l *Lock) Release(ctx context.Context) {
	if l == nil {
		return
	}
	_ = l.mgr.cache.Unlock(ctx, l.keys)
}

// Refresh verifies ownership and extends the TTL.
func (l *Lock) Refresh(ctx context.Context, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	held, err := l.mgr.cache.IsLocked(ctx, l.keys)
	if err != nil || !held {
		return held, err
	}
	for _, k := range l.keys {
		if err := l.mgr.cache.Set(ctx, k.Key, k.LockID.String(), ttl); err != nil {
			return true, err
		}
	}
	return true, nil
}

// IsHeldByOthers reports whether the named lock is currently held by any
// process; the notification gate uses it to defer while another pipeline
// of the commit is mid-flight.
func (m *LockManager) IsHeldByOthers(ctx context.Context, names ...string) (bool, error) {
	formatted := make([]string, len(names))
	for i, n := range names {
		formatted[i] = m.cache.FormatLockKey(n)
	}
	for _, f := range formatted {
		held, err := m.cache.IsLockedByOthers(ctx, []string{f})
		if err != nil {
			return false, err
		}
		if held {
			return true, nil
		}
	}
	return false, nil
}
