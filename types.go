package covpipe

import "time"

// KeyValuePair is a general purpose key/value pair.
type KeyValuePair[TK any, TV any] struct {
	Key   TK
	Value TV
}

// Tuple is a general purpose pair of values.
type Tuple[T1 any, T2 any] struct {
	First  T1
	Second T2
}

// LockKey is a named lock entry in the KV store. LockID identifies the owner
// and IsLockOwner records whether this process won the lock.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// ReportType discriminates the independent upload pipelines of a commit.
type ReportType string

const (
	CoverageReport       ReportType = "coverage"
	BundleAnalysisReport ReportType = "bundle_analysis"
	TestResultsReport    ReportType = "test_results"
)

// CommitID identifies a source-control commit.
type CommitID struct {
	RepoID int64
	SHA    string
}

// CommitState is the lifecycle state recorded on the Commit row.
type CommitState string

const (
	CommitPending  CommitState = "pending"
	CommitComplete CommitState = "complete"
	CommitErrored  CommitState = "error"
	CommitSkipped  CommitState = "skipped"
)

// UploadState is the lifecycle state recorded on the Upload row.
type UploadState string

const (
	UploadQueued     UploadState = "queued"
	UploadProcessing UploadState = "processing"
	UploadProcessed  UploadState = "processed"
	UploadMerged     UploadState = "merged"
	UploadErrored    UploadState = "errored"
)

// Commit is the authoritative row for a commit. The pipeline never creates
// commits; the ingest tier does. The pipeline only records terminal states.
type Commit struct {
	RepoID    int64
	SHA       string
	Branch    string
	Message   string
	State     CommitState
	Timestamp time.Time
}

// Upload is the authoritative row for one raw report submission.
type Upload struct {
	ID          int64
	RepoID      int64
	CommitSHA   string
	StoragePath string
	ReportCode  string
	ReportType  ReportType
	State       UploadState
	Error       string
	Flags       []string
	CreatedAt   time.Time
}

// CommitErrorKind classifies permanent external failures recorded on a commit.
type CommitErrorKind string

const (
	CommitErrorMissingBot   CommitErrorKind = "repo_bot_invalid"
	CommitErrorProvider4xx  CommitErrorKind = "provider_client_error"
	CommitErrorYAMLInvalid  CommitErrorKind = "yaml_client_error"
	CommitErrorRepoNotFound CommitErrorKind = "repo_not_found"
)

// CommitError is a typed error row attached to a commit. Recording one does
// not abort the pipeline; it degrades capability (e.g. no diff applied).
type CommitError struct {
	RepoID int64
	SHA    string
	Kind   CommitErrorKind
	Detail string
}
