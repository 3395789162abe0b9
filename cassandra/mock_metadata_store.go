package cassandra

import (
	"context"
	"sync"
	"time"

	"github.com/covpipe/covpipe"
)

// MockMetadataStore is an in-memory covpipe.MetadataStore used by tests
// across the module. Safe for concurrent use.
type MockMetadataStore struct {
	mu      sync.Mutex
	commits map[covpipe.CommitID]*covpipe.Commit
	uploads map[int64]*covpipe.Upload
	errors  []covpipe.CommitError
	nextID  int64
}

// NewMockMetadataStore returns an empty mock store.
func NewMockMetadataStore() *MockMetadataStore {
	return &MockMetadataStore{
		commits: make(map[covpipe.CommitID]*covpipe.Commit),
		uploads: make(map[int64]*covpipe.Upload),
	}
}

// SeedCommit installs a commit row, standing in for the ingest tier.
func (m *MockMetadataStore) SeedCommit(c covpipe.Commit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits[covpipe.CommitID{RepoID: c.RepoID, SHA: c.SHA}] = &c
}

func (m *MockMetadataStore) GetCommit(ctx context.Context, repoID int64, sha string) (*covpipe.Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[covpipe.CommitID{RepoID: repoID, SHA: sha}]
	if !ok {
		return nil, covpipe.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockMetadataStore) UpdateCommitState(ctx context.Context, repoID int64, sha string, state covpipe.CommitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commits[covpipe.CommitID{RepoID: repoID, SHA: sha}]
	if !ok {
		return covpipe.ErrNotFound
	}
	c.State = state
	return nil
}

func (m *MockMetadataStore) SaveCommitError(ctx context.Context, ce covpipe.CommitError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, ce)
	return nil
}

// CommitErrors returns the recorded error rows for assertions.
func (m *MockMetadataStore) CommitErrors() []covpipe.CommitError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]covpipe.CommitError{}, m.errors...)
}

func (m *MockMetadataStore) GetUpload(ctx context.Context, id int64) (*covpipe.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[id]
	if !ok {
		return nil, covpipe.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MockMetadataStore) CreateUpload(ctx context.Context, u *covpipe.Upload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	u.ID = m.nextID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	cp := *u
	m.uploads[u.ID] = &cp
	return u.ID, nil
}

func (m *MockMetadataStore) UpdateUpload(ctx context.Context, u *covpipe.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.uploads[u.ID]; !ok {
		return covpipe.ErrNotFound
	}
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func (m *MockMetadataStore) CountUploads(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType) (map[covpipe.UploadState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[covpipe.UploadState]int)
	for _, u := range m.uploads {
		if u.RepoID != repoID || u.CommitSHA != sha {
			continue
		}
		if rt != "" && u.ReportType != rt {
			continue
		}
		counts[u.State]++
	}
	return counts, nil
}
