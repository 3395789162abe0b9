package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/covpipe/covpipe"
)

// recordingEnv swaps the in-process runner for a recording one so fan-out
// topology is observable without executing anything downstream.
func newRecordingEnv(t *testing.T) (*testEnv, *RecordingRunner) {
	e := newTestEnv(t)
	rec := &RecordingRunner{}
	e.p.Runner = rec
	e.runner.Executor.Runner = rec
	return e, rec
}

func (e *testEnv) enqueueTyped(t *testing.T, rt covpipe.ReportType, name string) {
	t.Helper()
	ctx := context.Background()
	path := fmt.Sprintf("v4/raw/2026-08-26/42/%s/%s.txt", testSHA, name)
	if err := e.blobs.Upload(ctx, path, []byte("a.go:1:1")); err != nil {
		t.Fatal(err)
	}
	blob, _ := json.Marshal(UploadDescriptor{StoragePath: path, Flags: []string{name}})
	if err := e.p.queue.Enqueue(ctx, testRepoID, testSHA, rt, blob); err != nil {
		t.Fatal(err)
	}
}

func runUploadTask(t *testing.T, e *testEnv, rt covpipe.ReportType) *Outcome {
	t.Helper()
	env := newEnvelope(Signature{Name: TaskUpload, Kwargs: map[string]any{
		"repoid":      testRepoID,
		"commitid":    testSHA,
		"report_type": string(rt),
	}})
	out, err := e.p.UploadTask(context.Background(), env)
	if err != nil {
		t.Fatalf("upload task: %v", err)
	}
	return out
}

func TestDispatcher_CoverageChunksIntoChain(t *testing.T) {
	e, rec := newRecordingEnv(t)
	for i := 0; i < 7; i++ {
		e.enqueueTyped(t, covpipe.CoverageReport, fmt.Sprintf("u%d", i))
	}

	runUploadTask(t, e, covpipe.CoverageReport)

	if len(rec.Chains) != 1 {
		t.Fatalf("chains submitted = %d, want 1", len(rec.Chains))
	}
	chain := rec.Chains[0]
	// Seven uploads in chunks of three: three Processors plus the Finisher.
	if len(chain) != 4 {
		t.Fatalf("chain length = %d, want 4", len(chain))
	}
	for i := 0; i < 3; i++ {
		if chain[i].Name != TaskUploadProcessor {
			t.Errorf("chain[%d] = %s, want processor", i, chain[i].Name)
		}
	}
	if chain[3].Name != TaskUploadFinisher {
		t.Errorf("chain tail = %s, want finisher", chain[3].Name)
	}
	args, _ := chain[2].Kwargs["arguments"].([]*UploadDescriptor)
	if len(args) != 1 {
		t.Errorf("last chunk carries %d descriptors, want the 1 remainder", len(args))
	}

	state := NewProcessingState(e.cache, testRepoID, testSHA, covpipe.CoverageReport)
	counts, _ := state.Counts(context.Background())
	if counts.Processing != 7 {
		t.Errorf("processing set = %d, want all 7 marked before fan-out", counts.Processing)
	}
}

func TestDispatcher_BundleAnalysisChainsStraightToNotify(t *testing.T) {
	e, rec := newRecordingEnv(t)
	e.enqueueTyped(t, covpipe.BundleAnalysisReport, "b0")

	runUploadTask(t, e, covpipe.BundleAnalysisReport)

	if len(rec.Chains) != 1 || len(rec.Chords) != 0 {
		t.Fatalf("chains=%d chords=%d, want one chain and no chord", len(rec.Chains), len(rec.Chords))
	}
	chain := rec.Chains[0]
	if len(chain) != 2 || chain[0].Name != TaskUploadProcessor || chain[1].Name != TaskNotify {
		t.Fatalf("bundle chain = %v", chainNames(chain))
	}
}

func TestDispatcher_TestResultsFanOutAsChord(t *testing.T) {
	e, rec := newRecordingEnv(t)
	for i := 0; i < 5; i++ {
		e.enqueueTyped(t, covpipe.TestResultsReport, fmt.Sprintf("t%d", i))
	}

	runUploadTask(t, e, covpipe.TestResultsReport)

	if len(rec.Chords) != 1 {
		t.Fatalf("chords submitted = %d, want 1", len(rec.Chords))
	}
	chord := rec.Chords[0]
	if len(chord.Members) != 2 {
		t.Errorf("chord members = %d, want 2 chunks for 5 uploads", len(chord.Members))
	}
	if chord.Body.Name != TaskUploadFinisher {
		t.Errorf("chord body = %s, want finisher", chord.Body.Name)
	}
}

func TestDispatcher_ParallelExperimentAddsShadowChord(t *testing.T) {
	e, rec := newRecordingEnv(t)
	e.p.Flags = FeatureFlags{ParallelProcessing: func(repoID int64) bool { return repoID == testRepoID }}
	for i := 0; i < 4; i++ {
		e.enqueueTyped(t, covpipe.CoverageReport, fmt.Sprintf("u%d", i))
	}

	runUploadTask(t, e, covpipe.CoverageReport)

	if len(rec.Chains) != 1 {
		t.Fatalf("serial chain missing: %d chains", len(rec.Chains))
	}
	if len(rec.Chords) != 1 {
		t.Fatalf("shadow chord missing: %d chords", len(rec.Chords))
	}
	chord := rec.Chords[0]
	if got, _ := chord.Body.Kwargs["in_parallel"].(bool); !got {
		t.Error("shadow finisher not flagged in_parallel")
	}
	seen := map[int]bool{}
	for _, member := range chord.Members {
		args, _ := member.Kwargs["arguments"].([]*UploadDescriptor)
		for _, d := range args {
			if !d.HasSessionID() {
				t.Fatalf("shadow descriptor for upload %d lacks a pre-allocated session", d.UploadID)
			}
			if seen[d.SessionID] {
				t.Fatalf("session id %d allocated twice", d.SessionID)
			}
			seen[d.SessionID] = true
		}
	}
	if len(seen) != 4 {
		t.Errorf("allocated %d session ids, want 4", len(seen))
	}
}

func TestDispatcher_DefersWhileCommitMidFlight(t *testing.T) {
	e, rec := newRecordingEnv(t)
	ctx := context.Background()
	e.enqueueTyped(t, covpipe.CoverageReport, "u0")

	// A Processor of this commit still holds the processing lock.
	keys := e.cache.CreateLockKeys([]string{uploadProcessingLockKey(testRepoID, testSHA, covpipe.CoverageReport)})
	if ok, _, err := e.cache.Lock(ctx, time.Hour, keys); err != nil || !ok {
		t.Fatalf("seeding foreign lock: ok=%v err=%v", ok, err)
	}

	env := newEnvelope(Signature{Name: TaskUpload, Kwargs: map[string]any{
		"repoid":   testRepoID,
		"commitid": testSHA,
	}})
	out, err := e.p.UploadTask(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry == nil || out.Retry.Countdown != DispatcherBusyDelay {
		t.Fatalf("first attempt outcome = %+v, want a %v deferral", out, DispatcherBusyDelay)
	}
	if len(rec.Chains) != 0 {
		t.Error("nothing must be dispatched while the commit is mid-flight")
	}

	// Only the first attempt defers; the retry proceeds regardless.
	env.Retries = 1
	out, err = e.p.UploadTask(ctx, env)
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry != nil {
		t.Fatalf("retry outcome = %+v, want a dispatch", out)
	}
	if len(rec.Chains) != 1 {
		t.Errorf("chains dispatched = %d, want 1", len(rec.Chains))
	}
}

func TestDispatcher_ReportNotReadyDefersDispatch(t *testing.T) {
	e, rec := newRecordingEnv(t)
	e.enqueueTyped(t, covpipe.CoverageReport, "u0")
	e.blobs.FetchErr = covpipe.Error{Code: covpipe.TransientStorage, Err: fmt.Errorf("storage warming up")}

	env := newEnvelope(Signature{Name: TaskUpload, Kwargs: map[string]any{
		"repoid":   testRepoID,
		"commitid": testSHA,
	}})
	out, err := e.p.UploadTask(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry == nil || out.Retry.Countdown != ReportNotReadyDelay {
		t.Fatalf("outcome = %+v, want a %v deferral", out, ReportNotReadyDelay)
	}
	if len(rec.Chains) != 0 {
		t.Error("nothing must be dispatched while the master report is unavailable")
	}

	e.blobs.FetchErr = nil
	runUploadTask(t, e, covpipe.CoverageReport)
	if len(rec.Chains) != 1 {
		t.Errorf("chains dispatched after recovery = %d, want 1", len(rec.Chains))
	}
}

func TestDispatcher_EmptyDrainRecordsNoReports(t *testing.T) {
	e, _ := newRecordingEnv(t)

	env := newEnvelope(Signature{Name: TaskUpload, Kwargs: map[string]any{
		"repoid":   testRepoID,
		"commitid": testSHA,
	}})
	out, err := e.p.UploadTask(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result["was_setup"] != true {
		t.Fatalf("outcome = %+v, want a completed setup", out.Result)
	}
	events, _ := env.Kwargs[UploadFlow.EnvelopeField()].(map[string]int64)
	if _, found := events[evInitialProcessingComplete]; !found {
		t.Error("empty drain must close the initial_processing subflow")
	}
	if _, found := events[evNoReportsFound]; !found {
		t.Error("empty drain must record that no reports were found")
	}
	if _, found := events[evNoPendingJobs]; found {
		t.Error("empty drain is not the contended no-pending-jobs exit")
	}
}

func TestDispatcher_InstallsMissingWebhook(t *testing.T) {
	e, _ := newRecordingEnv(t)
	e.provider.Webhook = false
	e.enqueueTyped(t, covpipe.CoverageReport, "u0")

	runUploadTask(t, e, covpipe.CoverageReport)

	if e.provider.InstallCalls != 1 {
		t.Errorf("webhook install calls = %d, want 1", e.provider.InstallCalls)
	}
}

func TestDispatcher_RateLimitedWebhookDefersToNextHour(t *testing.T) {
	e, rec := newRecordingEnv(t)
	e.provider.Webhook = false
	e.provider.InstallErr = covpipe.Error{Code: covpipe.RateLimited, Err: fmt.Errorf("slow down")}
	e.enqueueTyped(t, covpipe.CoverageReport, "u0")

	env := newEnvelope(Signature{Name: TaskUpload, Kwargs: map[string]any{
		"repoid":   testRepoID,
		"commitid": testSHA,
	}})
	out, err := e.p.UploadTask(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if out.Retry == nil {
		t.Fatal("expected a retry outcome while rate limited")
	}
	if out.Retry.Countdown < time.Minute {
		t.Errorf("countdown = %v, want at least the 60s floor", out.Retry.Countdown)
	}
	if len(rec.Chains) != 0 {
		t.Error("nothing must be dispatched while rate limited")
	}
}

func chainNames(sigs []Signature) []string {
	names := make([]string, len(sigs))
	for i, s := range sigs {
		names[i] = s.Name
	}
	return names
}
