package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/covpipe/covpipe"
)

type metadataStore struct{}

// NewMetadataStore returns a Cassandra-backed covpipe.MetadataStore.
// OpenConnection must have been called.
func NewMetadataStore() covpipe.MetadataStore {
	return &metadataStore{}
}

var errClosed = fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")

// GetCommit fetches one commit row. Absent rows yield covpipe.ErrNotFound;
// the pipeline never creates commits.
func (s *metadataStore) GetCommit(ctx context.Context, repoID int64, sha string) (*covpipe.Commit, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf(
		"SELECT branch, message, state, ts FROM %s.commits WHERE repo_id = ? AND sha = ?;", connection.Keyspace)
	c := covpipe.Commit{RepoID: repoID, SHA: sha}
	var state string
	err := connection.Session.Query(selectStatement, repoID, sha).WithContext(ctx).
		Scan(&c.Branch, &c.Message, &state, &c.Timestamp)
	if err == gocql.ErrNotFound {
		return nil, covpipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.State = covpipe.CommitState(state)
	return &c, nil
}

// UpdateCommitState records a terminal (or intermediate) state on the commit row.
func (s *metadataStore) UpdateCommitState(ctx context.Context, repoID int64, sha string, state covpipe.CommitState) error {
	if connection == nil {
		return errClosed
	}
	updateStatement := fmt.Sprintf(
		"UPDATE %s.commits SET state = ? WHERE repo_id = ? AND sha = ?;", connection.Keyspace)
	return connection.Session.Query(updateStatement, string(state), repoID, sha).WithContext(ctx).Exec()
}

// SaveCommitError appends a typed error row for the commit.
func (s *metadataStore) SaveCommitError(ctx context.Context, ce covpipe.CommitError) error {
	if connection == nil {
		return errClosed
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.commit_errors (repo_id, sha, kind, detail, ts) VALUES(?,?,?,?,?);", connection.Keyspace)
	return connection.Session.Query(insertStatement, ce.RepoID, ce.SHA, string(ce.Kind), ce.Detail, time.Now()).
		WithContext(ctx).Exec()
}

// GetUpload fetches one upload row by id.
func (s *metadataStore) GetUpload(ctx context.Context, id int64) (*covpipe.Upload, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf(
		"SELECT repo_id, sha, storage_path, report_code, report_type, state, error, flags, created_at FROM %s.uploads WHERE id = ?;",
		connection.Keyspace)
	u := covpipe.Upload{ID: id}
	var state, reportType string
	err := connection.Session.Query(selectStatement, id).WithContext(ctx).
		Scan(&u.RepoID, &u.CommitSHA, &u.StoragePath, &u.ReportCode, &reportType, &state, &u.Error, &u.Flags, &u.CreatedAt)
	if err == gocql.ErrNotFound {
		return nil, covpipe.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.State = covpipe.UploadState(state)
	u.ReportType = covpipe.ReportType(reportType)
	return &u, nil
}

// idAllocAttempts bounds CAS races on the id sequence row.
const idAllocAttempts = 10

// nextUploadID allocates a fresh upload id through a lightweight
// transaction on the upload_id_seq row, so concurrent workers can never
// hand out the same id.
func (s *metadataStore) nextUploadID(ctx context.Context) (int64, error) {
	selectSeq := fmt.Sprintf("SELECT next FROM %s.upload_id_seq WHERE name = 'uploads';", connection.Keyspace)
	insertSeq := fmt.Sprintf("INSERT INTO %s.upload_id_seq (name, next) VALUES ('uploads', 1) IF NOT EXISTS;", connection.Keyspace)
	casSeq := fmt.Sprintf("UPDATE %s.upload_id_seq SET next = ? WHERE name = 'uploads' IF next = ?;", connection.Keyspace)
	for attempt := 0; attempt < idAllocAttempts; attempt++ {
		var cur int64
		err := connection.Session.Query(selectSeq).WithContext(ctx).Scan(&cur)
		if err == gocql.ErrNotFound {
			applied, insErr := connection.Session.Query(insertSeq).WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if insErr != nil {
				return 0, insErr
			}
			if applied {
				return 1, nil
			}
			// Raced another allocator seeding the row; re-read.
			continue
		}
		if err != nil {
			return 0, err
		}
		applied, casErr := connection.Session.Query(casSeq, cur+1, cur).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if casErr != nil {
			return 0, casErr
		}
		if applied {
			return cur + 1, nil
		}
	}
	return 0, fmt.Errorf("upload id allocation lost %d CAS races", idAllocAttempts)
}

// CreateUpload inserts a new upload row, allocating its id from the
// upload_id_seq sequence row, and returns the id.
func (s *metadataStore) CreateUpload(ctx context.Context, u *covpipe.Upload) (int64, error) {
	if connection == nil {
		return 0, errClosed
	}
	id, err := s.nextUploadID(ctx)
	if err != nil {
		return 0, err
	}
	u.ID = id
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.uploads (id, repo_id, sha, storage_path, report_code, report_type, state, error, flags, created_at) VALUES(?,?,?,?,?,?,?,?,?,?);",
		connection.Keyspace)
	if err := connection.Session.Query(insertStatement,
		u.ID, u.RepoID, u.CommitSHA, u.StoragePath, u.ReportCode, string(u.ReportType),
		string(u.State), u.Error, u.Flags, u.CreatedAt).WithContext(ctx).Exec(); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateUpload rewrites the mutable columns of an upload row.
func (s *metadataStore) UpdateUpload(ctx context.Context, u *covpipe.Upload) error {
	if connection == nil {
		return errClosed
	}
	updateStatement := fmt.Sprintf(
		"UPDATE %s.uploads SET storage_path = ?, state = ?, error = ? WHERE id = ?;", connection.Keyspace)
	return connection.Session.Query(updateStatement, u.StoragePath, string(u.State), u.Error, u.ID).
		WithContext(ctx).Exec()
}

// CountUploads tallies upload rows of a commit per lifecycle state,
// optionally restricted to one report type.
func (s *metadataStore) CountUploads(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType) (map[covpipe.UploadState]int, error) {
	if connection == nil {
		return nil, errClosed
	}
	selectStatement := fmt.Sprintf(
		"SELECT state, report_type FROM %s.uploads WHERE repo_id = ? AND sha = ? ALLOW FILTERING;", connection.Keyspace)
	iter := connection.Session.Query(selectStatement, repoID, sha).WithContext(ctx).Iter()
	counts := make(map[covpipe.UploadState]int)
	var state, reportType string
	for iter.Scan(&state, &reportType) {
		if rt != "" && covpipe.ReportType(reportType) != rt {
			continue
		}
		counts[covpipe.UploadState(state)]++
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return counts, nil
}
