package pipeline

import (
	"context"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/report"
)

// ReportParser turns one raw upload into a partial report. Implementations
// are format-specific and out of the pipeline's scope.
type ReportParser interface {
	Parse(ctx context.Context, raw []byte, descriptor *UploadDescriptor) (*report.Report, error)
}

// CIStatus is the provider's view of a commit's CI runs.
type CIStatus string

const (
	CIUnknown CIStatus = "unknown"
	CIPending CIStatus = "pending"
	CIPassed  CIStatus = "passed"
	CIFailed  CIStatus = "failed"
)

// CommitInfo is the provider-side metadata refreshed best-effort by the
// Dispatcher.
type CommitInfo struct {
	Branch  string
	Message string
	// Parents are used by report carry-forward.
	Parents []string
}

// ProviderClient is the git-provider adapter. All calls are best-effort
// from the pipeline's point of view: a typed error degrades capability but
// does not abort processing. Errors with code RepositoryWithoutValidBot or
// RateLimited get dedicated handling in the Dispatcher.
type ProviderClient interface {
	GetCommitInfo(ctx context.Context, repoID int64, sha string) (*CommitInfo, error)
	GetDiff(ctx context.Context, repoID int64, sha string) (*report.Diff, error)
	GetCIStatus(ctx context.Context, repoID int64, sha string) (CIStatus, error)
	// HasWebhook reports whether status webhooks are configured, which
	// picks the wait-for-CI retry schedule.
	HasWebhook(ctx context.Context, repoID int64) (bool, error)
	InstallWebhook(ctx context.Context, repoID int64) error
	// GetSourceYAML fetches the committed codecov YAML, empty when absent.
	GetSourceYAML(ctx context.Context, repoID int64, sha string) ([]byte, error)
}

// NotifyRequest carries everything the notification tier needs for one
// commit.
type NotifyRequest struct {
	Commit       *covpipe.Commit
	ReportType   covpipe.ReportType
	SessionCount int
	// ErrorOnly requests the degraded "N of M uploads failed" notification.
	ErrorOnly    bool
	FailedCount  int
	TotalCount   int
}

// NotifyResult summarises what the Notifier delivered.
type NotifyResult struct {
	NotificationsCalled bool
}

// Notifier renders and posts user-visible notifications. Invoked at most
// once per commit per pipeline completion.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest) (NotifyResult, error)
}

// FeatureFlags gates per-repo experiments.
type FeatureFlags struct {
	// ParallelProcessing enables the shadow parallel fan-out for a repo.
	ParallelProcessing func(repoID int64) bool
}

func (f FeatureFlags) parallelEnabled(repoID int64) bool {
	return f.ParallelProcessing != nil && f.ParallelProcessing(repoID)
}
