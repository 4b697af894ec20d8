package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/erp-backup/backup-service/internal/storage"
	"github.com/erp-backup/backup-service/internal/storage/storagetest"
)

func fastRetry(n int) storage.RetryConfig {
	return storage.RetryConfig{
		MaxRetries:      n,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestWithRetry_RecoversTransientUploadFailure(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.FailUploads = 2
	mem.UploadErr = errors.New("connection reset by peer")
	s := storage.WithRetry(mem, fastRetry(3))

	// A non-seekable reader must still deliver the full payload on the final attempt.
	res, err := s.Upload(context.Background(), "snapshots/a.snapshot", io.NopCloser(strings.NewReader("payload")), -1)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if mem.Uploads != 3 {
		t.Errorf("attempts = %d, want 3", mem.Uploads)
	}
	if res.Size != int64(len("payload")) {
		t.Errorf("Size = %d, want %d", res.Size, len("payload"))
	}
	if data, _ := mem.Get("snapshots/a.snapshot"); string(data) != "payload" {
		t.Errorf("stored %q, want payload", data)
	}
}

func TestWithRetry_GivesUp(t *testing.T) {
	mem := storagetest.NewMemory()
	mem.FailUploads = 10
	mem.UploadErr = errors.New("503 slow down")
	s := storage.WithRetry(mem, fastRetry(2))

	if _, err := s.Upload(context.Background(), "k", bytes.NewReader([]byte("x")), 1); err == nil {
		t.Fatal("Upload() succeeded, want error after retries")
	}
	if mem.Uploads != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", mem.Uploads)
	}
}

func TestWithRetry_NotFoundIsPermanent(t *testing.T) {
	mem := storagetest.NewMemory()
	s := storage.WithRetry(mem, fastRetry(5))

	start := time.Now()
	_, err := s.Download(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Download() error = %v, want ErrNotFound", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("ErrNotFound was retried")
	}
}

func TestWithRetry_ZeroRetriesReturnsBackend(t *testing.T) {
	mem := storagetest.NewMemory()
	if s := storage.WithRetry(mem, fastRetry(0)); s != storage.Storage(mem) {
		t.Error("WithRetry with 0 retries wrapped the backend")
	}
}
