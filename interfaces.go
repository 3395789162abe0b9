package covpipe

import (
	"context"
	"errors"
	"time"
)

// Cache is the KV store interface the pipeline coordinates through. It is
// logically Redis-shaped: strings with TTL, lists, sets, hashes, counters,
// sorted sets and the advisory lock protocol.
type Cache interface {
	Ping(ctx context.Context) error

	// String operations.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (bool, string, error)
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)
	SetStruct(ctx context.Context, key string, value any, expiration time.Duration) error
	GetStruct(ctx context.Context, key string, target any) (bool, error)
	Delete(ctx context.Context, keys []string) (bool, error)

	// List operations (argument queues, broker queues).
	RPush(ctx context.Context, key string, values ...[]byte) error
	LPop(ctx context.Context, key string) (bool, []byte, error)
	LLen(ctx context.Context, key string) (int64, error)

	// Set operations (processing state).
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMove(ctx context.Context, source string, destination string, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SRandMemberN(ctx context.Context, key string, count int64) ([]string, error)

	// Hash operations (intermediate reports).
	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Counters (session watermark, chord countdown).
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Sorted set operations (delayed task delivery).
	ZAdd(ctx context.Context, key string, score float64, member []byte) error
	ZPopByScore(ctx context.Context, key string, max float64, count int64) ([][]byte, error)

	// Advisory locking. Lock values are the owner's LockID so a holder can
	// verify ownership; see the redis package for the set-then-verify
	// protocol.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	Unlock(ctx context.Context, lockKeys []*LockKey) error
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error)
	CreateLockKeys(keys []string) []*LockKey
	FormatLockKey(k string) string
}

// CloseableCache is a Cache owning its own connection.
type CloseableCache interface {
	Cache
	Close() error
}

// BlobStore abstracts the object store holding raw uploads and merged
// report artifacts. Fetch returns Error{Code: FileNotInStorage} when the
// path does not exist.
type BlobStore interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, payload []byte) error
	Delete(ctx context.Context, path string) error
}

// MetadataStore abstracts the row store authoritative for Commit and Upload
// lifecycle. The KV store's coordination state is derived and may be
// reconstructed from these rows.
type MetadataStore interface {
	GetCommit(ctx context.Context, repoID int64, sha string) (*Commit, error)
	UpdateCommitState(ctx context.Context, repoID int64, sha string, state CommitState) error
	SaveCommitError(ctx context.Context, ce CommitError) error

	GetUpload(ctx context.Context, id int64) (*Upload, error)
	CreateUpload(ctx context.Context, u *Upload) (int64, error)
	UpdateUpload(ctx context.Context, u *Upload) error
	// CountUploads tallies the commit's uploads of one report type per
	// lifecycle state; an empty type counts every upload.
	CountUploads(ctx context.Context, repoID int64, sha string, rt ReportType) (map[UploadState]int, error)
}

// ErrNotFound is returned by MetadataStore reads for absent rows and by
// Cache reads for absent keys.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err denotes an absent row or key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
