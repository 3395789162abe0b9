package pipeline

import (
	"regexp"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/config"
)

// GateAction is what the notification gate decided.
type GateAction int

const (
	// GateNotify delivers the regular notification.
	GateNotify GateAction = iota
	// GateSkip ends the pipeline without notifying.
	GateSkip
	// GateWait defers the decision; the task retries after Countdown.
	GateWait
	// GateNotifyError delivers the degraded uploads-failed notification.
	GateNotifyError
)

// GateInput is everything the gate looks at. It is assembled by the notify
// task; the gate itself is a pure function so every rule is unit-testable.
type GateInput struct {
	Commit       *covpipe.Commit
	Config       *config.Config
	ReportType   covpipe.ReportType
	SessionCount int
	UploadCounts map[covpipe.UploadState]int

	// OtherPipelinesBusy is true while another report type of the same
	// commit holds a processing lock.
	OtherPipelinesBusy bool
	// ManualTriggerSeen is true once the owner fired the manual trigger.
	ManualTriggerSeen bool

	CIStatus   CIStatus
	HasWebhook bool

	// LocalUpload marks CLI dry runs that must never notify.
	LocalUpload bool
}

// GateDecision is the gate's verdict. For GateWait the caller retries
// after Countdown, giving up past MaxRetries.
type GateDecision struct {
	Action      GateAction
	Reason      string
	Countdown   func(retries int) time.Duration
	MaxRetries  int
	MarkSkipped bool
}

// ciSkipPattern matches the commit-message opt-out markers ([ci skip],
// [skip ci] and spelling variants).
var ciSkipPattern = regexp.MustCompile(`\[(ci|skip| |-){3,}\]`)

// EvaluateGate applies the notification rules in their documented order;
// the first matching rule wins.
func EvaluateGate(in GateInput) GateDecision {
	if in.LocalUpload {
		return GateDecision{Action: GateSkip, Reason: "local upload"}
	}
	if in.Commit != nil && ciSkipPattern.MatchString(in.Commit.Message) {
		return GateDecision{Action: GateSkip, Reason: "commit message requests ci skip", MarkSkipped: true}
	}
	if in.SessionCount == 0 {
		if in.Config.NotifyError() {
			return GateDecision{Action: GateNotifyError, Reason: "every upload failed processing"}
		}
		return GateDecision{Action: GateSkip, Reason: "no successful uploads"}
	}
	if in.OtherPipelinesBusy {
		return GateDecision{
			Action:     GateWait,
			Reason:     "another pipeline of this commit is mid-flight",
			Countdown:  NotifyPollBackoff,
			MaxRetries: NotifyPollRetries,
		}
	}
	if in.Config.ManualTrigger() && !in.ManualTriggerSeen {
		return GateDecision{Action: GateSkip, Reason: "waiting for manual trigger"}
	}
	if n := in.Config.AfterNBuilds(); n > 0 && in.SessionCount < n {
		return GateDecision{Action: GateSkip, Reason: "after_n_builds threshold not reached"}
	}
	if (in.CIStatus == CIUnknown || in.CIStatus == CIPending) && in.Config.WaitForCI() {
		if in.HasWebhook {
			// A webhook will wake the pipeline; the schedule here is only
			// a backstop.
			return GateDecision{
				Action:     GateWait,
				Reason:     "waiting for CI (webhook installed)",
				Countdown:  NotifyWebhookBackoff,
				MaxRetries: NotifyWebhookRetries,
			}
		}
		return GateDecision{
			Action:     GateWait,
			Reason:     "waiting for CI (polling)",
			Countdown:  NotifyPollBackoff,
			MaxRetries: NotifyPollRetries,
		}
	}
	if in.CIStatus == CIFailed && in.Config.RequireCIToPass() {
		return GateDecision{Action: GateNotifyError, Reason: "CI failed and require_ci_to_pass is set"}
	}
	return GateDecision{Action: GateNotify, Reason: "all gates passed"}
}
