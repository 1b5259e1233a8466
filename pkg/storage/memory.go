package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned when a blob does not exist.
var ErrNotFound = errors.New("blob not found")

// MemoryStore is an in-process BlobStore. References are "memory://<path>".
type MemoryStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	metadata map[string]map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:    make(map[string][]byte),
		metadata: make(map[string]map[string]string),
	}
}

// Upload stores a copy of data.
func (m *MemoryStore) Upload(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if blobPath == "" {
		return "", fmt.Errorf("blob path is required")
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	m.mu.Lock()
	m.blobs[blobPath] = buf
	m.metadata[blobPath] = meta
	m.mu.Unlock()
	return "memory://" + blobPath, nil
}

// Download returns a copy of the blob.
func (m *MemoryStore) Download(ctx context.Context, reference string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(reference, "memory://")

	m.mu.RLock()
	data, ok := m.blobs[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

// Metadata returns the metadata stored with a blob.
func (m *MemoryStore) Metadata(blobPath string) (map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[blobPath]
	return meta, ok
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ BlobStore = (*MemoryStore)(nil)
