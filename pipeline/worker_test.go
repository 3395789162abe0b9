package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/covpipe/covpipe/config"
	"github.com/covpipe/covpipe/redis"
)

func TestWorker_DrainsQueuedTasks(t *testing.T) {
	ctx := context.Background()
	cache := redis.NewMockClient()
	ran := 0
	reg := Registry{
		"t.work": func(ctx context.Context, env *Envelope) (*Outcome, error) {
			ran++
			return ok(nil), nil
		},
	}
	ex := NewExecutor(reg, cache)
	qr := NewQueueRunner(cache)
	ex.Runner = qr
	w := NewWorker(cache, ex, &config.Router{}, []string{"uploads"}, 2)

	for i := 0; i < 3; i++ {
		if err := qr.Submit(ctx, Signature{Name: "t.work", Queue: "uploads", Kwargs: map[string]any{}}); err != nil {
			t.Fatalf("submitting: %v", err)
		}
	}
	// Two passes: concurrency 2 means the first drain takes two tasks.
	for i := 0; i < 2; i++ {
		if _, err := w.drainOnce(ctx); err != nil {
			t.Fatalf("draining: %v", err)
		}
	}
	if ran != 3 {
		t.Errorf("executed %d tasks, want 3", ran)
	}
}

func TestWorker_PromotesDueScheduledTasks(t *testing.T) {
	ctx := context.Background()
	cache := redis.NewMockClient()
	ran := 0
	reg := Registry{
		"t.later": func(ctx context.Context, env *Envelope) (*Outcome, error) {
			ran++
			return ok(nil), nil
		},
	}
	ex := NewExecutor(reg, cache)
	qr := NewQueueRunner(cache)
	ex.Runner = qr
	w := NewWorker(cache, ex, &config.Router{}, []string{"default"}, 1)

	base := time.Unix(1_700_000_000, 0)
	qr.Now = func() time.Time { return base }
	if err := qr.Submit(ctx, Signature{Name: "t.later", CountdownSeconds: 60, Kwargs: map[string]any{}}); err != nil {
		t.Fatalf("submitting: %v", err)
	}

	// Before the due time nothing is promoted.
	w.Now = func() time.Time { return base.Add(30 * time.Second) }
	if err := w.promoteScheduled(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := w.drainOnce(ctx); n != 0 {
		t.Fatalf("task ran %d times before its countdown elapsed", n)
	}

	w.Now = func() time.Time { return base.Add(61 * time.Second) }
	if err := w.promoteScheduled(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := w.drainOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Errorf("executed %d times, want 1", ran)
	}

	// Promotion removes the member; a second promote pass is a no-op.
	if err := w.promoteScheduled(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := w.drainOnce(ctx); n != 0 {
		t.Errorf("task delivered twice")
	}
}

func TestWorker_RecordsTerminalCheckpointOnFailure(t *testing.T) {
	ctx := context.Background()
	cache := redis.NewMockClient()
	reg := Registry{
		"t.raise": func(ctx context.Context, env *Envelope) (*Outcome, error) {
			return nil, errors.New("handler raised")
		},
		"t.stall": func(ctx context.Context, env *Envelope) (*Outcome, error) {
			return nil, context.DeadlineExceeded
		},
	}
	ex := NewExecutor(reg, cache)
	qr := NewQueueRunner(cache)
	ex.Runner = qr
	w := NewWorker(cache, ex, &config.Router{}, []string{"uploads"}, 1)

	run := func(task string) map[string]int64 {
		env := newEnvelope(Signature{Name: task, Kwargs: map[string]any{
			UploadFlow.EnvelopeField(): map[string]int64{evUploadTaskBegin: 1},
		}})
		w.runOne(ctx, env)
		events, ok := env.Kwargs[UploadFlow.EnvelopeField()].(map[string]int64)
		if !ok {
			t.Fatalf("%s: checkpoint map lost from the envelope", task)
		}
		return events
	}

	if events := run("t.raise"); events[evUncaughtRetryException] == 0 {
		t.Errorf("handler failure left no %s checkpoint: %v", evUncaughtRetryException, events)
	}
	if events := run("t.stall"); events[evTimedOut] == 0 {
		t.Errorf("time limit left no %s checkpoint: %v", evTimedOut, events)
	}

	// An envelope that never carried a flow must not have one invented
	// for it.
	bare := newEnvelope(Signature{Name: "t.raise", Kwargs: map[string]any{}})
	w.runOne(ctx, bare)
	if _, found := bare.Kwargs[UploadFlow.EnvelopeField()]; found {
		t.Error("flow checkpoint map invented for a flowless envelope")
	}
}

func TestWorker_AppliesRouteTimeLimit(t *testing.T) {
	ctx := context.Background()
	cache := redis.NewMockClient()
	var gotLimit int
	reg := Registry{
		TaskNotify: func(ctx context.Context, env *Envelope) (*Outcome, error) {
			gotLimit = env.SoftTimeLimitSeconds
			return ok(nil), nil
		},
	}
	ex := NewExecutor(reg, cache)
	qr := NewQueueRunner(cache)
	ex.Runner = qr
	w := NewWorker(cache, ex, &config.Router{}, []string{"notify"}, 1)

	if err := qr.Submit(ctx, Signature{Name: TaskNotify, Queue: "notify", Kwargs: map[string]any{}}); err != nil {
		t.Fatal(err)
	}
	if _, err := w.drainOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if gotLimit != 120 {
		t.Errorf("soft time limit = %d, want the notify route default 120", gotLimit)
	}
}
