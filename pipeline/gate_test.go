package pipeline

import (
	"testing"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/config"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func passingGateInput() GateInput {
	return GateInput{
		Commit:       &covpipe.Commit{RepoID: 1, SHA: "abc", Message: "regular commit"},
		Config:       &config.Config{},
		ReportType:   covpipe.CoverageReport,
		SessionCount: 2,
		CIStatus:     CIPassed,
	}
}

func TestGate_AllClearNotifies(t *testing.T) {
	d := EvaluateGate(passingGateInput())
	if d.Action != GateNotify {
		t.Fatalf("action = %v (%s), want notify", d.Action, d.Reason)
	}
}

func TestGate_LocalUploadAlwaysSkips(t *testing.T) {
	in := passingGateInput()
	in.LocalUpload = true
	// Even conditions that would otherwise wait are irrelevant.
	in.CIStatus = CIPending
	d := EvaluateGate(in)
	if d.Action != GateSkip || d.MarkSkipped {
		t.Fatalf("local upload: got %v (markSkipped=%v), want plain skip", d.Action, d.MarkSkipped)
	}
}

func TestGate_CISkipMessageVariants(t *testing.T) {
	for _, msg := range []string{"wip [ci skip]", "[skip ci] typo fix", "try [ci-skip] now"} {
		in := passingGateInput()
		in.Commit.Message = msg
		d := EvaluateGate(in)
		if d.Action != GateSkip || !d.MarkSkipped {
			t.Errorf("message %q: got action %v markSkipped=%v, want skip+mark", msg, d.Action, d.MarkSkipped)
		}
	}
	in := passingGateInput()
	in.Commit.Message = "mention ci and skip without brackets"
	if d := EvaluateGate(in); d.Action != GateNotify {
		t.Errorf("unmarked message must not skip, got %v", d.Action)
	}
}

func TestGate_NoSuccessfulUploads(t *testing.T) {
	in := passingGateInput()
	in.SessionCount = 0
	if d := EvaluateGate(in); d.Action != GateSkip {
		t.Fatalf("default: got %v, want skip", d.Action)
	}

	in.Config.Codecov.Notify.NotifyError = boolPtr(true)
	if d := EvaluateGate(in); d.Action != GateNotifyError {
		t.Fatalf("with notify_error: got %v, want error notification", d.Action)
	}
}

func TestGate_OtherPipelineBusyWaits(t *testing.T) {
	in := passingGateInput()
	in.OtherPipelinesBusy = true
	d := EvaluateGate(in)
	if d.Action != GateWait {
		t.Fatalf("got %v, want wait", d.Action)
	}
	if d.MaxRetries != NotifyPollRetries {
		t.Errorf("max retries = %d, want %d", d.MaxRetries, NotifyPollRetries)
	}
}

func TestGate_ManualTrigger(t *testing.T) {
	in := passingGateInput()
	in.Config.Codecov.Notify.ManualTrigger = boolPtr(true)
	if d := EvaluateGate(in); d.Action != GateSkip {
		t.Fatalf("before trigger: got %v, want skip", d.Action)
	}
	in.ManualTriggerSeen = true
	if d := EvaluateGate(in); d.Action != GateNotify {
		t.Fatalf("after trigger: got %v, want notify", d.Action)
	}
}

func TestGate_AfterNBuilds(t *testing.T) {
	in := passingGateInput()
	in.Config.Codecov.Notify.AfterNBuilds = intPtr(4)
	in.SessionCount = 3
	if d := EvaluateGate(in); d.Action != GateSkip {
		t.Fatalf("below threshold: got %v, want skip", d.Action)
	}
	in.SessionCount = 4
	if d := EvaluateGate(in); d.Action != GateNotify {
		t.Fatalf("at threshold: got %v, want notify", d.Action)
	}
}

func TestGate_WaitForCISchedules(t *testing.T) {
	in := passingGateInput()
	in.CIStatus = CIPending
	in.HasWebhook = true
	d := EvaluateGate(in)
	if d.Action != GateWait || d.MaxRetries != NotifyWebhookRetries {
		t.Fatalf("webhook schedule: got %v retries=%d, want wait/%d", d.Action, d.MaxRetries, NotifyWebhookRetries)
	}
	if got := d.Countdown(0); got != NotifyWebhookBackoff(0) {
		t.Errorf("first webhook countdown = %v, want %v", got, NotifyWebhookBackoff(0))
	}

	in.HasWebhook = false
	d = EvaluateGate(in)
	if d.Action != GateWait || d.MaxRetries != NotifyPollRetries {
		t.Fatalf("poll schedule: got %v retries=%d, want wait/%d", d.Action, d.MaxRetries, NotifyPollRetries)
	}

	in.Config.Codecov.Notify.WaitForCI = boolPtr(false)
	if d := EvaluateGate(in); d.Action != GateNotify {
		t.Fatalf("wait_for_ci off: got %v, want notify", d.Action)
	}
}

func TestGate_RequireCIToPass(t *testing.T) {
	in := passingGateInput()
	in.CIStatus = CIFailed
	if d := EvaluateGate(in); d.Action != GateNotifyError {
		t.Fatalf("default require_ci_to_pass: got %v, want error notification", d.Action)
	}
	in.Config.Codecov.RequireCIToPass = boolPtr(false)
	if d := EvaluateGate(in); d.Action != GateNotify {
		t.Fatalf("require_ci_to_pass off: got %v, want notify", d.Action)
	}
}
