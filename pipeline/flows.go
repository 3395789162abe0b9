package pipeline

import (
	"encoding/json"

	"github.com/covpipe/covpipe/flow"
)

// Upload-flow checkpoint events, from first dispatch through notification.
const (
	evUploadTaskBegin           = "UPLOAD_TASK_BEGIN"
	evNoPendingJobs             = "NO_PENDING_JOBS"
	evTooManyRetries            = "TOO_MANY_RETRIES"
	evInitialProcessingComplete = "INITIAL_PROCESSING_COMPLETE"
	evNoReportsFound            = "NO_REPORTS_FOUND"
	evProcessingBegin           = "PROCESSING_BEGIN"
	evBatchProcessingComplete   = "BATCH_PROCESSING_COMPLETE"
	evProcessingComplete        = "PROCESSING_COMPLETE"
	evSkippingNotification      = "SKIPPING_NOTIFICATION"
	evNotifLockError            = "NOTIF_LOCK_ERROR"
	evNotifTooManyRetries       = "NOTIF_TOO_MANY_RETRIES"
	evNotified                  = "NOTIFIED"
	evUncaughtRetryException    = "UNCAUGHT_RETRY_EXCEPTION"
	evTimedOut                  = "TIMED_OUT"
)

// UploadFlow spans one end-to-end trip of a commit's uploads through
// Dispatcher, Processors, Finisher and the notifier.
var UploadFlow = &flow.Flow{
	Name:  "upload",
	Start: evUploadTaskBegin,
	Success: []string{
		evNotified,
		evSkippingNotification,
		evNoPendingJobs,
	},
	Failure: []string{
		evTooManyRetries,
		evNoReportsFound,
		evNotifLockError,
		evNotifTooManyRetries,
		evUncaughtRetryException,
		evTimedOut,
	},
	Events: []string{
		evUploadTaskBegin,
		evNoPendingJobs,
		evTooManyRetries,
		evInitialProcessingComplete,
		evNoReportsFound,
		evProcessingBegin,
		evBatchProcessingComplete,
		evProcessingComplete,
		evSkippingNotification,
		evNotifLockError,
		evNotifTooManyRetries,
		evNotified,
		evUncaughtRetryException,
		evTimedOut,
	},
	Subflows: []flow.Subflow{
		{Name: "initial_processing", Begin: evUploadTaskBegin, End: evInitialProcessingComplete},
		{Name: "batch_processing", Begin: evProcessingBegin, End: evBatchProcessingComplete},
		{Name: "processing", Begin: evProcessingBegin, End: evProcessingComplete},
		{Name: "notification_latency", Begin: evUploadTaskBegin, End: evNotified},
	},
}

func init() {
	if err := UploadFlow.Validate(); err != nil {
		panic(err)
	}
}

// resumeFlowLog rebuilds the upload flow's checkpoint log from the task
// envelope; a fresh log when the envelope has none.
func resumeFlowLog(env *Envelope) *flow.Log {
	raw, found := env.Kwargs[UploadFlow.EnvelopeField()]
	if !found {
		return flow.NewLog(UploadFlow)
	}
	events := map[string]int64{}
	switch v := raw.(type) {
	case map[string]int64:
		events = v
	case map[string]any:
		for k, tv := range v {
			events[k] = asInt64(tv)
		}
	case string:
		// Tolerate double-encoded envelopes from older submitters.
		_ = json.Unmarshal([]byte(v), &events)
	}
	return flow.Resume(UploadFlow, events)
}

// stashFlowLog writes the checkpoint map back onto kwargs so the log
// survives the hop to the next task.
func stashFlowLog(kwargs map[string]any, l *flow.Log) {
	kwargs[UploadFlow.EnvelopeField()] = l.Events
}
