package aws_s3

import (
	"context"
	"fmt"
	"sync"

	"github.com/covpipe/covpipe"
)

// MockBlobStore is an in-memory covpipe.BlobStore used by tests across the
// module. Safe for concurrent use.
type MockBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// FailFetches forces the next n Fetch calls to report FileNotInStorage,
	// regardless of contents; simulates the upload racing the object-store
	// write.
	FailFetches int
	// FetchErr, when set, fails every Fetch with it; simulates a storage
	// outage.
	FetchErr error
}

// NewMockBlobStore returns an empty mock store.
func NewMockBlobStore() *MockBlobStore {
	return &MockBlobStore{blobs: make(map[string][]byte)}
}

func (m *MockBlobStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if m.FailFetches > 0 {
		m.FailFetches--
		return nil, covpipe.Error{Code: covpipe.FileNotInStorage, Err: fmt.Errorf("induced miss"), UserData: path}
	}
	ba, ok := m.blobs[path]
	if !ok {
		return nil, covpipe.Error{Code: covpipe.FileNotInStorage, Err: fmt.Errorf("no such key"), UserData: path}
	}
	cp := make([]byte, len(ba))
	copy(cp, ba)
	return cp, nil
}

func (m *MockBlobStore) Upload(ctx context.Context, path string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.blobs[path] = cp
	return nil
}

func (m *MockBlobStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, path)
	return nil
}

// Exists reports whether a blob is present, for assertions.
func (m *MockBlobStore) Exists(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[path]
	return ok
}
