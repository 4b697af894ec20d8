// Package storagetest provides an in-memory Storage for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"time"

	"github.com/erp-backup/backup-service/internal/storage"
)

// Memory is a concurrency-safe in-memory backend. FailUploads makes the next N
// uploads fail with UploadErr.
type Memory struct {
	mu          sync.Mutex
	objects     map[string][]byte
	modified    map[string]time.Time
	FailUploads int
	UploadErr   error
	Uploads     int
}

// NewMemory returns an empty backend.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte), modified: make(map[string]time.Time)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Upload(_ context.Context, key string, r io.Reader, _ int64) (*storage.UploadResult, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Uploads++
	if m.FailUploads > 0 {
		m.FailUploads--
		return nil, m.UploadErr
	}
	m.objects[key] = data
	m.modified[key] = time.Now()
	sum := sha256.Sum256(data)
	return &storage.UploadResult{Key: key, Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}, nil
}

func (m *Memory) Download(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.modified, key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) GetMetadata(_ context.Context, key string) (*storage.FileMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	sum := sha256.Sum256(data)
	return &storage.FileMetadata{Key: key, Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:]), LastModified: m.modified[key]}, nil
}

// Put stores data directly, bypassing failure injection.
func (m *Memory) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.modified[key] = time.Now()
}

// Get returns the stored bytes.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
