package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/covpipe/covpipe"
)

func TestDispatcherLockBackoff(t *testing.T) {
	want := []time.Duration{20 * time.Second, 40 * time.Second, 80 * time.Second}
	for n, w := range want {
		if got := DispatcherLockBackoff(n); got != w {
			t.Errorf("retry %d: got %v, want %v", n, got, w)
		}
	}
}

func TestProcessorLockBackoff_JitterBounds(t *testing.T) {
	for n := 0; n < 4; n++ {
		m := 200 * time.Second
		for i := 0; i < n; i++ {
			m *= 3
		}
		for i := 0; i < 50; i++ {
			got := ProcessorLockBackoff(n)
			if got < m/2 || got > m {
				t.Fatalf("retry %d: %v outside [%v, %v]", n, got, m/2, m)
			}
		}
	}
}

func TestProcessorLockBackoff_Capped(t *testing.T) {
	// At the fifth retry the raw delay exceeds the cap.
	for i := 0; i < 20; i++ {
		if got := ProcessorLockBackoff(5); got > 5*time.Hour {
			t.Fatalf("got %v, want at most 5h", got)
		}
	}
}

func TestNotifyBackoffs(t *testing.T) {
	if got := NotifyWebhookBackoff(0); got != 180*time.Second {
		t.Errorf("webhook first retry = %v, want 180s", got)
	}
	if got := NotifyWebhookBackoff(4); got != 2880*time.Second {
		t.Errorf("webhook fifth retry = %v, want 2880s", got)
	}
	if got := NotifyPollBackoff(0); got != 15*time.Second {
		t.Errorf("poll first retry = %v, want 15s", got)
	}
	if got := NotifyPollBackoff(9); got != 7680*time.Second {
		t.Errorf("poll tenth retry = %v, want 7680s", got)
	}
}

func TestRateLimitDelay(t *testing.T) {
	at := time.Date(2026, 8, 26, 14, 10, 0, 0, time.UTC)
	if got := RateLimitDelay(at); got != 50*time.Minute {
		t.Errorf("mid-hour: got %v, want 50m", got)
	}
	// Near the top of the hour the floor kicks in.
	at = time.Date(2026, 8, 26, 14, 59, 40, 0, time.UTC)
	if got := RateLimitDelay(at); got != time.Minute {
		t.Errorf("near hour boundary: got %v, want 1m floor", got)
	}
}

func TestRetryMeta_TransientFailureRecovers(t *testing.T) {
	attempts := 0
	err := retryMeta(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return covpipe.Error{Code: covpipe.TransientStorage, Err: errors.New("deadlock detected")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v, want recovery on the second attempt", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryMeta_PermanentFailureStops(t *testing.T) {
	attempts := 0
	err := retryMeta(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("schema mismatch")
	})
	if err == nil {
		t.Fatal("want the permanent error back")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want no retry of a permanent failure", attempts)
	}
}

func TestDebounceDelay(t *testing.T) {
	if got := DebounceDelay(2*time.Minute, 30*time.Second); got != 90*time.Second {
		t.Errorf("got %v, want the remaining window 90s", got)
	}
	if got := DebounceDelay(time.Minute, 55*time.Second); got != 30*time.Second {
		t.Errorf("got %v, want the 30s floor", got)
	}
}
