package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "github.com/erp-backup/backup-service/internal/config"
	"github.com/erp-backup/backup-service/internal/storage"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appconfig.S3StorageConfig
	}{
		{"missing bucket", appconfig.S3StorageConfig{Region: "us-east-1"}},
		{"missing region", appconfig.S3StorageConfig{Bucket: "archives"}},
		{"static without keys", appconfig.S3StorageConfig{Bucket: "archives", Region: "us-east-1", AuthMethod: "static"}},
		{"unsupported auth", appconfig.S3StorageConfig{Bucket: "archives", Region: "us-east-1", AuthMethod: "kerberos"}},
		{"oidc without role", appconfig.S3StorageConfig{Bucket: "archives", Region: "us-east-1", AuthMethod: "oidc"}},
		{"oidc without token file", appconfig.S3StorageConfig{
			Bucket: "archives", Region: "us-east-1", AuthMethod: "oidc",
			RoleARN: "arn:aws:iam::123456789012:role/backup",
		}},
		{"assume_role without role", appconfig.S3StorageConfig{Bucket: "archives", Region: "us-east-1", AuthMethod: "assume_role"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}

func TestNew_ImplicitStaticAuth(t *testing.T) {
	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "archives",
		Region:          "eu-west-1",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:9000",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if s.Name() != "s3" {
		t.Errorf("Name() = %q, want s3", s.Name())
	}
}

func TestNew_AssumeRole_Lazy(t *testing.T) {
	// credentials are resolved on first request, so construction succeeds offline
	_, err := New(&appconfig.S3StorageConfig{
		Bucket:     "archives",
		Region:     "us-east-1",
		AuthMethod: "assume_role",
		RoleARN:    "arn:aws:iam::123456789012:role/backup",
		ExternalID: "erp-backup",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Mock S3-compatible HTTP server
// ---------------------------------------------------------------------------

type mockBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	meta     map[string]map[string]string
	created  bool
	bucketOK bool
}

// newTestStorage serves just enough of the path-style S3 REST API for object CRUD.
func newTestStorage(t *testing.T) (*S3Storage, *mockBucket) {
	t.Helper()

	mb := &mockBucket{
		objects:  map[string][]byte{},
		meta:     map[string]map[string]string{},
		bucketOK: true,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := strings.TrimPrefix(r.URL.Path, "/")
		idx := strings.IndexByte(p, '/')
		if idx < 0 {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			switch r.Method {
			case http.MethodHead:
				if !mb.bucketOK {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.WriteHeader(http.StatusOK)
			case http.MethodPut:
				mb.created = true
				mb.bucketOK = true
				w.WriteHeader(http.StatusOK)
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}
		key := p[idx+1:]

		mb.mu.Lock()
		defer mb.mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for hk, hv := range r.Header {
				lk := strings.ToLower(hk)
				if strings.HasPrefix(lk, "x-amz-meta-") && len(hv) > 0 {
					meta[strings.TrimPrefix(lk, "x-amz-meta-")] = hv[0]
				}
			}
			mb.objects[key] = data
			mb.meta[key] = meta
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)

		case http.MethodGet:
			data, ok := mb.objects[key]
			if !ok {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)

		case http.MethodHead:
			data, ok := mb.objects[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
			w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
			for mk, mv := range mb.meta[key] {
				w.Header().Set("x-amz-meta-"+mk, mv)
			}
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			delete(mb.objects, key)
			delete(mb.meta, key)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := New(&appconfig.S3StorageConfig{
		Bucket:          "archives",
		Region:          "eu-west-1",
		AuthMethod:      "static",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() for mock S3: %v", err)
	}
	return s, mb
}

const archiveKey = "snapshots/7c8b1f2e-7d44-4c8e-9a3c-2f4b8e1d0a11/archive.snapshot"

func TestS3_UploadDownload(t *testing.T) {
	s, mb := newTestStorage(t)
	ctx := context.Background()

	data := []byte("sealed snapshot bytes")
	result, err := s.Upload(ctx, archiveKey, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if result.Key != archiveKey {
		t.Errorf("Key = %q, want %q", result.Key, archiveKey)
	}
	if result.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", result.Size, len(data))
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64", len(result.Checksum))
	}
	if got := mb.meta[archiveKey][checksumMetaKey]; got != result.Checksum {
		t.Errorf("stored sha256 metadata = %q, want %q", got, result.Checksum)
	}

	rc, err := s.Download(ctx, archiveKey)
	if err != nil {
		t.Fatalf("Download() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, data) {
		t.Errorf("Download content = %q, want %q", got, data)
	}
}

func TestS3_Upload_InvalidKey(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.Upload(context.Background(), "../escape", strings.NewReader("x"), 1)
	if !errors.Is(err, storage.ErrInvalidKey) {
		t.Errorf("Upload() error = %v, want ErrInvalidKey", err)
	}
}

func TestS3_Download_NotFound(t *testing.T) {
	s, _ := newTestStorage(t)

	_, err := s.Download(context.Background(), "missing.snapshot")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Download() error = %v, want ErrNotFound", err)
	}
}

func TestS3_DeleteAndExists(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	if _, err := s.Upload(ctx, archiveKey, strings.NewReader("x"), 1); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	ok, err := s.Exists(ctx, archiveKey)
	if err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true, nil", ok, err)
	}

	if err := s.Delete(ctx, archiveKey); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	ok, err = s.Exists(ctx, archiveKey)
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if ok {
		t.Error("Exists = true after delete, want false")
	}
}

func TestS3_GetMetadata(t *testing.T) {
	s, _ := newTestStorage(t)
	ctx := context.Background()

	data := []byte("metadata content")
	up, err := s.Upload(ctx, archiveKey, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	meta, err := s.GetMetadata(ctx, archiveKey)
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", meta.Size, len(data))
	}
	if meta.Checksum != up.Checksum {
		t.Errorf("Checksum = %q, want %q", meta.Checksum, up.Checksum)
	}
	if meta.LastModified.IsZero() {
		t.Error("LastModified should be set")
	}

	if _, err := s.GetMetadata(ctx, "missing.snapshot"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMetadata(missing) error = %v, want ErrNotFound", err)
	}
}

func TestS3_EnsureBucket(t *testing.T) {
	s, mb := newTestStorage(t)

	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error: %v", err)
	}
	if mb.created {
		t.Error("existing bucket should not be re-created")
	}

	mb.bucketOK = false
	if err := s.EnsureBucket(context.Background()); err != nil {
		t.Fatalf("EnsureBucket() error: %v", err)
	}
	if !mb.created {
		t.Error("missing bucket was not created")
	}
}
