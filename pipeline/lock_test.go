package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/redis"
)

func newTestLockManager() (*LockManager, *fakeClock) {
	m := NewLockManager(redis.NewMockClient())
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m.now = clk.now
	m.sleep = clk.sleep
	return m, clk
}

func TestLockManager_AcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestLockManager()

	l, err := m.Acquire(ctx, "upload_lock_1_sha", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquiring free lock: %v", err)
	}
	held, err := m.IsHeldByOthers(ctx, "upload_lock_1_sha")
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("lock not visible to other processes")
	}
	l.Release(ctx)
	held, _ = m.IsHeldByOthers(ctx, "upload_lock_1_sha")
	if held {
		t.Error("released lock still held")
	}
}

func TestLockManager_ContentionTimesOut(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestLockManager()

	first, err := m.Acquire(ctx, "k", time.Hour, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Release(ctx)

	_, err = m.Acquire(ctx, "k", time.Minute, 5*time.Second)
	if err == nil {
		t.Fatal("expected acquisition failure under contention")
	}
	if covpipe.CodeOf(err) != covpipe.LockAcquisitionFailure {
		t.Errorf("error code = %v, want LockAcquisitionFailure", covpipe.CodeOf(err))
	}
}

func TestLockManager_ReacquireAfterRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestLockManager()

	l, err := m.Acquire(ctx, "k", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	l.Release(ctx)

	l2, err := m.Acquire(ctx, "k", time.Minute, 0)
	if err != nil {
		t.Fatalf("reacquiring released lock: %v", err)
	}
	l2.Release(ctx)
}

func TestLockManager_RefreshExtendsOwnLockOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestLockManager()

	l, err := m.Acquire(ctx, "k", time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	held, err := l.Refresh(ctx, 2*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("refresh of a held lock reported not held")
	}
	l.Release(ctx)
	held, err = l.Refresh(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Error("refresh after release reported held")
	}
}
