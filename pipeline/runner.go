package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/covpipe/covpipe"
)

// Handler executes one task. It returns an Outcome (terminal result or a
// retry request); a non-nil error means the task raised instead of
// returning, which still terminates the envelope.
type Handler func(ctx context.Context, env *Envelope) (*Outcome, error)

// Registry maps wire task names to handlers. The dispatch table is built
// once at startup; unknown names are reported, never silently dropped.
type Registry map[string]Handler

// Runner submits task signatures for execution. InProcRunner runs them
// inline, QueueRunner hands them to the broker for worker processes.
type Runner interface {
	Submit(ctx context.Context, sig Signature) error
	SubmitChain(ctx context.Context, sigs []Signature) error
	SubmitChord(ctx context.Context, members []Signature, body Signature) error
}

const chordTTL = 24 * time.Hour

// Executor runs envelopes against a Registry and drives the chain, chord
// and retry mechanics that live outside any single handler.
type Executor struct {
	Registry Registry
	Cache    covpipe.Cache
	Runner   Runner
}

func NewExecutor(reg Registry, cache covpipe.Cache) *Executor {
	return &Executor{Registry: reg, Cache: cache}
}

// Execute runs one envelope to completion: handler, then retry
// resubmission or chain/chord continuation.
func (ex *Executor) Execute(ctx context.Context, env *Envelope) (*Outcome, error) {
	h, found := ex.Registry[env.Name]
	if !found {
		return nil, fmt.Errorf("no handler registered for task %s", env.Name)
	}

	hctx := ctx
	if env.SoftTimeLimitSeconds > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, time.Duration(env.SoftTimeLimitSeconds)*time.Second)
		defer cancel()
	}

	out, err := h(hctx, env)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = ok(nil)
	}

	if out.Retry != nil {
		if err := ex.resubmit(ctx, env, out.Retry.Countdown); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := ex.continueChain(ctx, env, out); err != nil {
		return nil, err
	}
	if env.ChordID != "" {
		if err := ex.completeChordMember(ctx, env, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (ex *Executor) resubmit(ctx context.Context, env *Envelope, countdown time.Duration) error {
	next := *env
	next.Retries++
	sig := Signature{
		Name:             next.Name,
		Kwargs:           next.Kwargs,
		Queue:            next.Queue,
		CountdownSeconds: int64(countdown / time.Second),
	}
	// Retries, chain and chord state survive the hop, so the resubmission
	// bypasses Submit and forwards the envelope itself.
	return ex.forward(ctx, &next, sig.CountdownSeconds)
}

// forward enqueues an already-built envelope, preserving its retry count
// and continuation state.
func (ex *Executor) forward(ctx context.Context, env *Envelope, countdownSeconds int64) error {
	type forwarder interface {
		enqueue(ctx context.Context, env *Envelope, countdownSeconds int64) error
	}
	f, can := ex.Runner.(forwarder)
	if !can {
		return fmt.Errorf("runner %T cannot forward envelopes", ex.Runner)
	}
	return f.enqueue(ctx, env, countdownSeconds)
}

// continueChain submits the next signature of the chain, forwarding the
// checkpoint kwargs and the accumulated previous_results.
func (ex *Executor) continueChain(ctx context.Context, env *Envelope, out *Outcome) error {
	if len(env.Chain) == 0 {
		return nil
	}
	head, rest := env.Chain[0], env.Chain[1:]
	kwargs := map[string]any{}
	for k, v := range head.Kwargs {
		kwargs[k] = v
	}
	forwardCheckpoints(env.Kwargs, kwargs)
	kwargs["previous_results"] = appendResult(env.Kwargs, out.Result)

	next := newEnvelope(Signature{Name: head.Name, Kwargs: kwargs, Queue: head.Queue})
	next.Chain = rest
	next.ChordID = env.ChordID
	next.ChordBody = env.ChordBody
	// The chord membership moves to the chain's tail: only the final task
	// of the chain counts towards the barrier.
	env.ChordID = ""
	return ex.forward(ctx, next, head.CountdownSeconds)
}

func (ex *Executor) completeChordMember(ctx context.Context, env *Envelope, out *Outcome) error {
	blob, err := json.Marshal(out.Result)
	if err != nil {
		return err
	}
	if err := ex.Cache.HSet(ctx, chordResultsKey(env.ChordID), map[string][]byte{env.ID: blob}); err != nil {
		return err
	}
	left, err := ex.Cache.IncrBy(ctx, chordRemainingKey(env.ChordID), -1)
	if err != nil {
		return err
	}
	if left > 0 {
		return nil
	}
	if left < 0 {
		log.Warn("chord completed more members than registered", "chordID", env.ChordID, "remaining", left)
		return nil
	}
	return ex.submitChordBody(ctx, env)
}

func (ex *Executor) submitChordBody(ctx context.Context, env *Envelope) error {
	if env.ChordBody == nil {
		return nil
	}
	results, err := ex.Cache.HGetAll(ctx, chordResultsKey(env.ChordID))
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	collected := make([]any, 0, len(ids))
	for _, id := range ids {
		var r map[string]any
		if err := json.Unmarshal(results[id], &r); err != nil {
			return err
		}
		collected = append(collected, r)
	}

	body := *env.ChordBody
	if body.Kwargs == nil {
		body.Kwargs = map[string]any{}
	}
	body.Kwargs["previous_results"] = collected
	forwardCheckpoints(env.Kwargs, body.Kwargs)

	if _, err := ex.Cache.Delete(ctx, []string{chordRemainingKey(env.ChordID), chordResultsKey(env.ChordID)}); err != nil {
		log.Warn("failed deleting chord bookkeeping", "chordID", env.ChordID, "err", err)
	}
	return ex.Runner.Submit(ctx, body)
}

func forwardCheckpoints(from, to map[string]any) {
	for k, v := range from {
		if len(k) > len(checkpointKwargPrefix) && k[:len(checkpointKwargPrefix)] == checkpointKwargPrefix {
			if _, set := to[k]; !set {
				to[k] = v
			}
		}
	}
}

const checkpointKwargPrefix = "checkpoints_"

func appendResult(kwargs map[string]any, result map[string]any) []any {
	prev, _ := kwargs["previous_results"].([]any)
	acc := make([]any, 0, len(prev)+1)
	acc = append(acc, prev...)
	if result != nil {
		acc = append(acc, result)
	}
	return acc
}

// InProcRunner executes submissions synchronously on the calling
// goroutine. Countdowns are recorded, not slept. Used by tests and by the
// single-process mode of the worker command.
type InProcRunner struct {
	Executor *Executor
	// Countdowns records, per task name, the countdown of each deferred
	// submission in arrival order.
	Countdowns map[string][]int64
}

func NewInProcRunner(ex *Executor) *InProcRunner {
	r := &InProcRunner{Executor: ex, Countdowns: map[string][]int64{}}
	ex.Runner = r
	return r
}

func (r *InProcRunner) Submit(ctx context.Context, sig Signature) error {
	return r.enqueue(ctx, newEnvelope(sig), sig.CountdownSeconds)
}

func (r *InProcRunner) SubmitChain(ctx context.Context, sigs []Signature) error {
	if len(sigs) == 0 {
		return nil
	}
	env := newEnvelope(sigs[0])
	env.Chain = sigs[1:]
	return r.enqueue(ctx, env, sigs[0].CountdownSeconds)
}

func (r *InProcRunner) SubmitChord(ctx context.Context, members []Signature, body Signature) error {
	return submitChord(ctx, r, r.Executor.Cache, members, body)
}

func (r *InProcRunner) enqueue(ctx context.Context, env *Envelope, countdownSeconds int64) error {
	if countdownSeconds > 0 {
		r.Countdowns[env.Name] = append(r.Countdowns[env.Name], countdownSeconds)
	}
	_, err := r.Executor.Execute(ctx, env)
	return err
}

// QueueRunner hands envelopes to the Redis broker: immediate tasks on a
// per-queue list, deferred tasks on the scheduled sorted set keyed by due
// time.
type QueueRunner struct {
	Cache covpipe.Cache
	Now   func() time.Time
}

func NewQueueRunner(cache covpipe.Cache) *QueueRunner {
	return &QueueRunner{Cache: cache, Now: time.Now}
}

func (r *QueueRunner) Submit(ctx context.Context, sig Signature) error {
	return r.enqueue(ctx, newEnvelope(sig), sig.CountdownSeconds)
}

func (r *QueueRunner) SubmitChain(ctx context.Context, sigs []Signature) error {
	if len(sigs) == 0 {
		return nil
	}
	env := newEnvelope(sigs[0])
	env.Chain = sigs[1:]
	return r.enqueue(ctx, env, sigs[0].CountdownSeconds)
}

func (r *QueueRunner) SubmitChord(ctx context.Context, members []Signature, body Signature) error {
	return submitChord(ctx, r, r.Cache, members, body)
}

func (r *QueueRunner) enqueue(ctx context.Context, env *Envelope, countdownSeconds int64) error {
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if countdownSeconds > 0 {
		due := r.Now().Add(time.Duration(countdownSeconds) * time.Second).Unix()
		return r.Cache.ZAdd(ctx, scheduledSetKey, float64(due), blob)
	}
	q := env.Queue
	if q == "" {
		q = "default"
	}
	return r.Cache.RPush(ctx, queueKey(q), blob)
}

// submitChord seeds the barrier counter then submits every member carrying
// the chord id and body. Shared by both runners so the bookkeeping cannot
// drift between modes.
func submitChord(ctx context.Context, r Runner, cache covpipe.Cache, members []Signature, body Signature) error {
	if len(members) == 0 {
		return r.Submit(ctx, body)
	}
	type forwarder interface {
		enqueue(ctx context.Context, env *Envelope, countdownSeconds int64) error
	}
	f, can := r.(forwarder)
	if !can {
		return fmt.Errorf("runner %T cannot submit chords", r)
	}

	chordID := covpipe.NewUUID().String()
	if err := cache.Set(ctx, chordRemainingKey(chordID), strconv.Itoa(len(members)), chordTTL); err != nil {
		return err
	}
	for _, m := range members {
		env := newEnvelope(m)
		env.ChordID = chordID
		env.ChordBody = &body
		if err := f.enqueue(ctx, env, m.CountdownSeconds); err != nil {
			return err
		}
	}
	return nil
}
