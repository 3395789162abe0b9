// Package pipeline implements the upload processing core: the per-commit
// coordination state in the KV store, the Dispatcher/Processor/Finisher
// task graph, the notification gate and the task runner abstraction over
// the broker.
package pipeline

import (
	"fmt"

	"github.com/covpipe/covpipe"
)

// Key names are part of the deployed wire surface; changing them orphans
// in-flight state.

func typeSuffix(t covpipe.ReportType) string {
	if t == "" || t == covpipe.CoverageReport {
		return ""
	}
	return "_" + string(t)
}

func typeSegment(t covpipe.ReportType) string {
	if t == "" || t == covpipe.CoverageReport {
		return ""
	}
	return "/" + string(t)
}

// uploadLockKey serialises Dispatchers of one commit.
func uploadLockKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("upload_lock_%d_%s%s", repoID, sha, typeSuffix(t))
}

// uploadProcessingLockKey serialises Processors and the Finisher of one commit.
func uploadProcessingLockKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("upload_processing_lock_%d_%s%s", repoID, sha, typeSuffix(t))
}

func notifyLockKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("notify_lock_%d_%s%s", repoID, sha, typeSuffix(t))
}

func manualTriggerLockKey(repoID int64, sha string) string {
	return fmt.Sprintf("manual_trigger_lock_%d_%s", repoID, sha)
}

// argumentQueueKey is the per-commit list of pending upload descriptors.
func argumentQueueKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("uploads/%d/%s%s", repoID, sha, typeSegment(t))
}

// latestUploadKey holds the unix timestamp of the newest enqueued upload,
// used for dispatcher debouncing.
func latestUploadKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("latest_upload/%d/%s%s", repoID, sha, typeSegment(t))
}

// Processing state sets are per report type: each type's Finisher must
// only ever merge partials its own Processors produced.
func processingSetKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("upload-processing-state/%d/%s%s/processing", repoID, sha, typeSegment(t))
}

func processedSetKey(repoID int64, sha string, t covpipe.ReportType) string {
	return fmt.Sprintf("upload-processing-state/%d/%s%s/processed", repoID, sha, typeSegment(t))
}

func intermediateReportKey(uploadID int64) string {
	return fmt.Sprintf("intermediate-report/%d", uploadID)
}

// shadowIntermediateReportKey keeps the parallel experiment's partial
// reports apart from the authoritative ones.
func shadowIntermediateReportKey(uploadID int64) string {
	return fmt.Sprintf("intermediate-report/parallel/%d", uploadID)
}

// sessionWatermarkKey is the parallel-mode session id allocator. Derived
// from the master report; safe to recompute after expiry.
func sessionWatermarkKey(repoID int64, sha string) string {
	return fmt.Sprintf("session-watermark/%d/%s", repoID, sha)
}

// branchCacheKey caches rendered per-branch artifacts, invalidated when a
// new master report lands.
func branchCacheKey(repoID int64, branchOrSHA string) string {
	return fmt.Sprintf("cache/%d/tree/%s", repoID, branchOrSHA)
}

// Broker keys.

func queueKey(queue string) string {
	return "tasks/" + queue
}

// Broker queue names. They mirror the default route table in config.Router;
// the Worker subscribes to both plus "default".
const (
	queueUploads = "uploads"
	queueNotify  = "notify"
)

const scheduledSetKey = "tasks:scheduled"

func chordRemainingKey(chordID string) string {
	return fmt.Sprintf("chord/%s/remaining", chordID)
}

func chordResultsKey(chordID string) string {
	return fmt.Sprintf("chord/%s/results", chordID)
}

// Object store paths.

// Master report paths carry the report-type segment so each pipeline owns
// its own artifact; the coverage paths keep their historical shape.
func masterReportPath(repoID int64, sha string, t covpipe.ReportType, shadow bool) string {
	if shadow {
		return fmt.Sprintf("v4/repos/%d/commits/%s%s/parallel/report.json", repoID, sha, typeSegment(t))
	}
	return fmt.Sprintf("v4/repos/%d/commits/%s%s/report.json", repoID, sha, typeSegment(t))
}

func masterChunksPath(repoID int64, sha string, t covpipe.ReportType, shadow bool) string {
	if shadow {
		return fmt.Sprintf("v4/repos/%d/commits/%s%s/parallel/chunks.txt", repoID, sha, typeSegment(t))
	}
	return fmt.Sprintf("v4/repos/%d/commits/%s%s/chunks.txt", repoID, sha, typeSegment(t))
}

// rawUploadPath is where inline KV blobs are relocated before any
// Processor sees them.
func rawUploadPath(date string, repoHash string, sha string, id covpipe.UUID) string {
	return fmt.Sprintf("v4/raw/%s/%s/%s/%s.txt", date, repoHash, sha, id.String())
}
