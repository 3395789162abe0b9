package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	log "log/slog"
	"strings"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/config"
)

const (
	defaultPollInterval = time.Second
	promoteBatchSize    = 100
)

// Worker drains broker queues: due members of the scheduled set are
// promoted onto their queue list, then list entries are decoded and
// executed, a bounded batch at a time.
type Worker struct {
	Cache        covpipe.Cache
	Executor     *Executor
	Router       *config.Router
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	Now          func() time.Time
}

func NewWorker(cache covpipe.Cache, ex *Executor, router *config.Router, queues []string, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		Cache:        cache,
		Executor:     ex,
		Router:       router,
		Queues:       queues,
		Concurrency:  concurrency,
		PollInterval: defaultPollInterval,
		Now:          time.Now,
	}
}

// Run polls until ctx is cancelled. Task failures are logged, never fatal
// to the worker.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.promoteScheduled(ctx); err != nil {
			log.Error("promoting scheduled tasks", "err", err)
		}
		n, err := w.drainOnce(ctx)
		if err != nil {
			log.Error("draining queues", "err", err)
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.PollInterval):
			}
		}
	}
}

// promoteScheduled moves every scheduled task whose due time has passed
// onto its queue list.
func (w *Worker) promoteScheduled(ctx context.Context) error {
	now := float64(w.Now().Unix())
	blobs, err := w.Cache.ZPopByScore(ctx, scheduledSetKey, now, promoteBatchSize)
	if err != nil {
		return err
	}
	for _, blob := range blobs {
		var env Envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			log.Error("dropping undecodable scheduled task", "err", err)
			continue
		}
		q := env.Queue
		if q == "" {
			q = "default"
		}
		if err := w.Cache.RPush(ctx, queueKey(q), blob); err != nil {
			return err
		}
	}
	return nil
}

// drainOnce pops up to Concurrency envelopes across the queues and runs
// them concurrently. Returns how many ran.
func (w *Worker) drainOnce(ctx context.Context) (int, error) {
	envs := make([]*Envelope, 0, w.Concurrency)
	for len(envs) < w.Concurrency {
		env, found, err := w.popAny(ctx)
		if err != nil {
			return len(envs), err
		}
		if !found {
			break
		}
		envs = append(envs, env)
	}
	if len(envs) == 0 {
		return 0, nil
	}

	tr := covpipe.NewTaskRunner(ctx, w.Concurrency)
	for _, env := range envs {
		env := env
		tr.Go(func() error {
			w.runOne(tr.GetContext(), env)
			return nil
		})
	}
	return len(envs), tr.Wait()
}

func (w *Worker) popAny(ctx context.Context) (*Envelope, bool, error) {
	for _, q := range w.Queues {
		found, blob, err := w.Cache.LPop(ctx, queueKey(q))
		if err != nil {
			return nil, false, err
		}
		if !found {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(blob, &env); err != nil {
			log.Error("dropping undecodable task", "queue", q, "err", err)
			continue
		}
		return &env, true, nil
	}
	return nil, false, nil
}

func (w *Worker) runOne(ctx context.Context, env *Envelope) {
	if env.SoftTimeLimitSeconds == 0 && w.Router != nil {
		route := w.Router.Resolve(shortTaskName(env.Name), env.StringKwarg("plan"))
		env.SoftTimeLimitSeconds = int(route.SoftTimeLimit / time.Second)
	}
	started := w.Now()
	_, err := w.Executor.Execute(ctx, env)
	switch {
	case err == nil:
		log.Debug("task finished", "task", env.Name, "id", env.ID, "elapsed", w.Now().Sub(started))
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("task hit its soft time limit", "task", env.Name, "id", env.ID, "limit", env.SoftTimeLimitSeconds)
		w.checkpointTerminal(env, evTimedOut)
	default:
		log.Error("task failed", "task", env.Name, "id", env.ID, "err", err)
		w.checkpointTerminal(env, evUncaughtRetryException)
	}
}

// checkpointTerminal closes out the flow of an envelope whose handler
// raised: a raised task never reaches its own terminal checkpoint, so the
// worker records the failure on its behalf.
func (w *Worker) checkpointTerminal(env *Envelope, event string) {
	if _, found := env.Kwargs[UploadFlow.EnvelopeField()]; !found {
		return
	}
	flowLog := resumeFlowLog(env)
	flowLog.MustCheckpoint(event)
	stashFlowLog(env.Kwargs, flowLog)
}

func shortTaskName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}
